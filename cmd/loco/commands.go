package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	loco "github.com/ggoodman/loco-client-go"
	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/cache"
)

type command struct {
	client *loco.Client
	out    printer
	stderr io.Writer
}

func (c *command) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "whoami":
		return c.out(c.client.Session().Snapshot())
	case "login":
		return c.login(ctx, args)
	case "logout":
		c.client.Session().Logout(ctx)
		return c.out(c.client.Session().Snapshot())
	case "rooms":
		return c.rooms(ctx, args)
	case "room":
		id, err := argID(args, 0)
		if err != nil {
			return err
		}
		return printResult(c, c.client.Rooms().Room(ctx, id))
	case "create":
		return c.create(ctx, args)
	case "update":
		return c.update(ctx, args)
	case "delete":
		return c.delete(ctx, args)
	case "join":
		return c.join(ctx, args)
	case "leave":
		return c.leave(ctx, args)
	case "profile":
		return c.profile(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

func (c *command) login(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("%w: login <token>", errUsage)
	}
	c.client.Jar().SetCredential(c.client.Config().CookieName, args[0])
	st := c.client.Session().Hydrate(ctx)
	if !st.LoggedIn {
		return errors.New("credential was not accepted")
	}
	return c.out(st)
}

func (c *command) rooms(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: rooms public|private|hosted|joined", errUsage)
	}
	svc := c.client.Rooms()
	switch args[0] {
	case "public":
		return printResult(c, svc.PublicRooms(ctx))
	case "private":
		return printResult(c, svc.PrivateRooms(ctx))
	case "hosted", "joined":
		uid, err := c.userArg(args, 1)
		if err != nil {
			return err
		}
		if args[0] == "hosted" {
			return printResult(c, svc.HostedRooms(ctx, uid))
		}
		return printResult(c, svc.JoinedRooms(ctx, uid))
	}
	return fmt.Errorf("%w: unknown room list %q", errUsage, args[0])
}

func (c *command) create(ctx context.Context, args []string) error {
	fs := c.flags("create")
	private := fs.Bool("private", false, "create a private room")
	thumbnail := fs.String("thumbnail", "", "thumbnail image `url`")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("%w: create [-private] <name> [description]", errUsage)
	}
	uid, err := c.me()
	if err != nil {
		return err
	}
	req := api.RoomCreateRequest{Name: fs.Arg(0), Description: fs.Arg(1), IsPrivate: *private}
	if *thumbnail != "" {
		req.Thumbnail = thumbnail
	}
	room, err := c.client.Rooms().CreateRoom(ctx, uid, req)
	if err != nil {
		return err
	}
	return c.out(room)
}

func (c *command) update(ctx context.Context, args []string) error {
	fs := c.flags("update")
	var req api.RoomUpdateRequest
	fs.Func("name", "new room name", func(v string) error { req.Name = &v; return nil })
	fs.Func("description", "new description", func(v string) error { req.Description = &v; return nil })
	fs.Func("thumbnail", "new thumbnail url", func(v string) error { req.Thumbnail = &v; return nil })
	fs.Func("private", "make the room private (true) or public (false)", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		req.IsPrivate = &b
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := argID(fs.Args(), 0)
	if err != nil {
		return err
	}
	uid, err := c.me()
	if err != nil {
		return err
	}
	room, err := c.client.Rooms().UpdateRoom(ctx, uid, id, req)
	if err != nil {
		return err
	}
	return c.out(room)
}

func (c *command) delete(ctx context.Context, args []string) error {
	id, err := argID(args, 0)
	if err != nil {
		return err
	}
	uid, err := c.me()
	if err != nil {
		return err
	}
	if err := c.client.Rooms().DeleteRoom(ctx, uid, id); err != nil {
		return err
	}
	return c.out(map[string]int64{"deleted": id})
}

func (c *command) join(ctx context.Context, args []string) error {
	id, err := argID(args, 0)
	if err != nil {
		return err
	}
	var code string
	if len(args) > 1 {
		code = args[1]
	}
	uid, err := c.me()
	if err != nil {
		return err
	}
	room, err := c.client.Rooms().JoinRoom(ctx, uid, id, code)
	if err != nil {
		return err
	}
	return c.out(room)
}

func (c *command) leave(ctx context.Context, args []string) error {
	id, err := argID(args, 0)
	if err != nil {
		return err
	}
	uid, err := c.me()
	if err != nil {
		return err
	}
	room, err := c.client.Rooms().LeaveRoom(ctx, uid, id)
	if err != nil {
		return err
	}
	return c.out(room)
}

func (c *command) profile(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: profile <nickname> [imageURL]", errUsage)
	}
	var image string
	if len(args) == 2 {
		image = args[1]
	}
	u, err := c.client.Session().UpdateProfile(ctx, args[0], image)
	if err != nil {
		return err
	}
	return c.out(u)
}

func (c *command) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// me returns the logged-in user id that writes act on behalf of.
func (c *command) me() (int64, error) {
	id, ok := c.client.Session().UserID()
	if !ok {
		return 0, errors.New("not logged in")
	}
	return id, nil
}

// userArg parses args[i] as a user id, defaulting to the logged-in user.
func (c *command) userArg(args []string, i int) (int64, error) {
	if len(args) > i {
		return argID(args, i)
	}
	return c.me()
}

func argID(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("%w: missing id", errUsage)
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[i])
	}
	return id, nil
}

func printResult[T any](c *command, res cache.Result[T]) error {
	if res.Err != nil {
		return res.Err
	}
	return c.out(res.Data)
}
