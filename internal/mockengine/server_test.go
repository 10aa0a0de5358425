package mockengine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/kmdash/schema"
)

func dialServer(t *testing.T, opts Options) (*Server, *websocket.Conn, context.Context) {
	t.Helper()
	srv := New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	greeting := readFrame(t, ctx, conn)
	if greeting["status"] != "connected" {
		t.Fatalf("expected greeting, got %+v", greeting)
	}
	return srv, conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame := map[string]any{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return frame
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, req map[string]any) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRepliesEchoCommandAndRef(t *testing.T) {
	_, conn, ctx := dialServer(t, Options{})
	send(t, ctx, conn, map[string]any{"command": "list_configs", "args": []any{}, "ref": "r1"})
	frame := readFrame(t, ctx, conn)
	if frame["status"] != "ok" || frame["command"] != "list_configs" || frame["ref"] != "r1" {
		t.Fatalf("unexpected reply %+v", frame)
	}
	if _, ok := frame["configs"].([]any); !ok {
		t.Fatalf("expected configs array, got %+v", frame)
	}
}

func TestOmitRefs(t *testing.T) {
	_, conn, ctx := dialServer(t, Options{OmitRefs: true})
	send(t, ctx, conn, map[string]any{"command": "list_scripts", "args": []any{}, "ref": "r1"})
	frame := readFrame(t, ctx, conn)
	if _, ok := frame["ref"]; ok {
		t.Fatalf("expected no ref, got %+v", frame)
	}
	if _, ok := frame["visible"].([]any); !ok {
		t.Fatalf("expected visible scripts, got %+v", frame)
	}
}

func TestRunStreamsTaggedOutputThenConcludes(t *testing.T) {
	srv, conn, ctx := dialServer(t, Options{})
	id, err := srv.Store().CreateConfig("demo", schema.ConfigTypeCalculation, srv.Store().CreationInfo().DefaultConfig)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	send(t, ctx, conn, map[string]any{"command": "run", "args": []any{json.Number(id), "false", "what is it", 9}, "ref": "run-1"})

	var output strings.Builder
	for {
		frame := readFrame(t, ctx, conn)
		from, ok := frame["from"].([]any)
		if !ok || len(from) != 2 || from[0] != float64(1) || from[1] != float64(9) {
			t.Fatalf("expected from [1,9], got %+v", frame)
		}
		if frame["status"] == "output" {
			output.WriteString(frame["output"].(string))
			continue
		}
		if frame["status"] != "ok" || frame["ref"] != "run-1" || frame["command"] != "run" {
			t.Fatalf("unexpected conclusion %+v", frame)
		}
		break
	}
	if !strings.Contains(output.String(), "what is it") {
		t.Fatalf("expected query echoed in output, got %q", output.String())
	}
	calcs := srv.Store().Calculations(id)
	if len(calcs) != 1 || calcs[0].Status != "ok" || calcs[0].Output != output.String() {
		t.Fatalf("unexpected calculations %+v", calcs)
	}
	if active := srv.Store().Active(); len(active) != 1 || active[0] != id {
		t.Fatalf("expected config active after run, got %v", active)
	}
}

func TestRunRejectsMissingQuery(t *testing.T) {
	_, conn, ctx := dialServer(t, Options{})
	send(t, ctx, conn, map[string]any{"command": "run", "args": []any{1, "false", ""}, "ref": "r"})
	frame := readFrame(t, ctx, conn)
	if frame["status"] != "error" || frame["from"] != nil {
		t.Fatalf("expected untagged error, got %+v", frame)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, conn, ctx := dialServer(t, Options{})
	send(t, ctx, conn, map[string]any{"command": "bogus", "args": []any{}, "ref": "r"})
	frame := readFrame(t, ctx, conn)
	if frame["status"] != "error" || frame["message"] != "Unknown command" {
		t.Fatalf("unexpected reply %+v", frame)
	}
}

func TestRejectionsEchoConfigID(t *testing.T) {
	_, conn, ctx := dialServer(t, Options{OmitRefs: true})
	send(t, ctx, conn, map[string]any{"command": "run", "args": []any{404, "false", "what"}, "ref": "r"})
	frame := readFrame(t, ctx, conn)
	if frame["status"] != "error" || frame["from"] != nil || frame["config_id"] != float64(404) {
		t.Fatalf("expected untagged error naming config 404, got %+v", frame)
	}
	send(t, ctx, conn, map[string]any{"command": "get_config", "args": []any{"7"}, "ref": "r"})
	frame = readFrame(t, ctx, conn)
	if frame["status"] != "error" || frame["config_id"] != float64(7) {
		t.Fatalf("expected get_config error naming config 7, got %+v", frame)
	}
}
