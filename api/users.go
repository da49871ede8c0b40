package api

import (
	"context"
	"net/http"
)

const usersEndpoint = "/api/v1/users"

// Profile fetches the profile of the identity carried by the credential.
// GET /api/v1/users/profile
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.call(ctx, http.MethodGet, usersEndpoint+"/profile", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile replaces the caller's nickname and profile image and returns
// the server-confirmed profile.
// PUT /api/v1/users
func (c *Client) UpdateProfile(ctx context.Context, req ProfileUpdateRequest) (*Profile, error) {
	var p Profile
	if err := c.call(ctx, http.MethodPut, usersEndpoint, nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Logout asks the server to end the session. The response body is ignored.
// POST /api/v1/users/logout
func (c *Client) Logout(ctx context.Context) error {
	return c.notify(ctx, http.MethodPost, usersEndpoint+"/logout")
}
