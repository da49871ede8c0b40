package logctx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/loco-client-go/internal/logctx"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := logctx.Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := logctx.WithRequestData(context.Background(), &logctx.RequestData{RequestID: "r1", Method: "GET", Path: "/x"})
	ctx = logctx.WithCacheData(ctx, &logctx.CacheData{Key: "rooms:public:list", Generation: 3})
	log.InfoContext(ctx, "event")

	var rec struct {
		Req   map[string]string `json:"req"`
		Cache struct {
			Key string `json:"key"`
			Gen uint64 `json:"gen"`
		} `json:"cache"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec.Req["id"] != "r1" || rec.Req["method"] != "GET" || rec.Req["path"] != "/x" {
		t.Fatalf("unexpected req group %+v", rec.Req)
	}
	if rec.Cache.Key != "rooms:public:list" || rec.Cache.Gen != 3 {
		t.Fatalf("unexpected cache group %+v", rec.Cache)
	}
}

func TestWrap(t *testing.T) {
	if logctx.Wrap(nil) == nil {
		t.Fatal("Wrap(nil) must return a logger")
	}
	l := logctx.Wrap(slog.Default())
	if logctx.Wrap(l) != l {
		t.Fatal("Wrap must not double-wrap")
	}
}
