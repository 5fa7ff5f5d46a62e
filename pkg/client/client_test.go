package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"meshtrust/pkg/envelope"
	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
)

func mustKeypair(t *testing.T) *keys.Keypair {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp
}

type fixture struct {
	server *keys.Keypair
	caller *keys.Keypair
	rs     *envelope.ResponseSigner
	mux    *http.ServeMux
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{server: mustKeypair(t), caller: mustKeypair(t), mux: http.NewServeMux()}
	f.rs = envelope.NewResponseSigner(f.server)
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) opts() Options {
	return Options{BaseURL: f.srv.URL, ServerKey: f.server.PublicKey(), Keypair: f.caller, HTTPClient: f.srv.Client()}
}

// decode reads a signed request and fails the test if the caller's
// signature does not check out.
func decode[M any, P interface {
	*M
	envelope.Message
}](t *testing.T, r *http.Request, f *fixture) P {
	t.Helper()
	msg := P(new(M))
	if err := json.NewDecoder(r.Body).Decode(msg); err != nil {
		t.Errorf("decode request: %v", err)
		return msg
	}
	if !envelope.VerifySelf[M, P](msg) {
		t.Errorf("request signature invalid")
	}
	if got := msg.Seal().Signer; string(got) != string(f.caller.PublicKey().Bytes()) {
		t.Errorf("request signed by wrong key")
	}
	return msg
}

func reply[M any, P interface {
	*M
	envelope.Stamped
}](t *testing.T, w http.ResponseWriter, rs *envelope.ResponseSigner, msg P) {
	t.Helper()
	if err := envelope.SignResponse[M, P](rs, msg); err != nil {
		t.Errorf("sign response: %v", err)
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

func TestNewRequiresConfiguration(t *testing.T) {
	kp := mustKeypair(t)
	cases := []Options{
		{ServerKey: kp.PublicKey(), Keypair: kp},
		{BaseURL: "http://x", Keypair: kp},
		{BaseURL: "http://x", ServerKey: kp.PublicKey()},
	}
	for i, opts := range cases {
		if _, err := NewGatewayClient(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestGatewayInfo(t *testing.T) {
	f := newFixture(t)
	gw := mustKeypair(t).PublicKey()
	f.mux.HandleFunc("POST /v1/gateways/info", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.GatewayInfoReq](t, r, f)
		if string(req.Address) != string(gw.Bytes()) {
			httpx.WriteError(w, httpx.Errorf(httpx.CodeNotFound, "gateway not found"))
			return
		}
		reply(t, w, f.rs, &models.GatewayInfoRes{Info: models.GatewayInfo{Address: gw.Bytes(), DeviceType: models.DeviceTypeCbrs}})
	})
	c, err := NewGatewayClient(f.opts())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	info, err := c.Info(context.Background(), gw)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.DeviceType != models.DeviceTypeCbrs {
		t.Fatalf("unexpected info %+v", info)
	}
	_, err = c.Info(context.Background(), mustKeypair(t).PublicKey())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if httpx.CodeOf(err) != httpx.CodeNotFound {
		t.Fatalf("expected not_found code, got %v", httpx.CodeOf(err))
	}
}

func TestResponseFromOtherKeyIsRejected(t *testing.T) {
	f := newFixture(t)
	impostor := envelope.NewResponseSigner(mustKeypair(t))
	f.mux.HandleFunc("POST /v1/gateways/info", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, impostor, &models.GatewayInfoRes{})
	})
	c, _ := NewGatewayClient(f.opts())
	if _, err := c.Info(context.Background(), mustKeypair(t).PublicKey()); !errors.Is(err, ErrInvalidResponseSignature) {
		t.Fatalf("expected ErrInvalidResponseSignature, got %v", err)
	}
}

func TestTamperedResponseIsRejected(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("POST /v1/gateways/info", func(w http.ResponseWriter, r *http.Request) {
		res := &models.GatewayInfoRes{Info: models.GatewayInfo{DeviceType: models.DeviceTypeWifiIndoor}}
		if err := envelope.SignResponse(f.rs, res); err != nil {
			t.Errorf("sign: %v", err)
		}
		res.Info.DeviceType = models.DeviceTypeWifiOutdoor
		httpx.WriteJSON(w, http.StatusOK, res)
	})
	c, _ := NewGatewayClient(f.opts())
	if _, err := c.Info(context.Background(), mustKeypair(t).PublicKey()); !errors.Is(err, ErrInvalidResponseSignature) {
		t.Fatalf("expected ErrInvalidResponseSignature, got %v", err)
	}
}

func TestAuthorizationVerify(t *testing.T) {
	f := newFixture(t)
	carrier := mustKeypair(t).PublicKey()
	f.mux.HandleFunc("POST /v1/authorization/verify", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.AuthorizationVerifyReq](t, r, f)
		if string(req.Pubkey) != string(carrier.Bytes()) || req.Role != keys.RoleCarrier {
			httpx.WriteError(w, httpx.Errorf(httpx.CodePermissionDenied, "unauthorized"))
			return
		}
		reply(t, w, f.rs, &models.AuthorizationVerifyRes{})
	})
	c, err := NewAuthorizationClient(f.opts())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := c.Verify(context.Background(), carrier, keys.RoleCarrier)
	if err != nil || !ok {
		t.Fatalf("expected authorized, got %v %v", ok, err)
	}
	ok, err = c.Verify(context.Background(), carrier, keys.RolePcs)
	if err != nil || ok {
		t.Fatalf("expected refusal without error, got %v %v", ok, err)
	}
	ok, err = c.VerifyAuthorizedKey(context.Background(), []byte{1, 2}, keys.RoleCarrier)
	if err != nil || ok {
		t.Fatalf("malformed key should be false, got %v %v", ok, err)
	}
}

func TestAuthorizationVerifyTransportFailureIsFalse(t *testing.T) {
	f := newFixture(t)
	opts := f.opts()
	f.srv.Close()
	c, _ := NewAuthorizationClient(opts)
	ok, err := c.Verify(context.Background(), mustKeypair(t).PublicKey(), keys.RoleCarrier)
	if err != nil || ok {
		t.Fatalf("expected false without error, got %v %v", ok, err)
	}
}

func TestAuthorizationVerifyBadSignatureIsError(t *testing.T) {
	f := newFixture(t)
	impostor := envelope.NewResponseSigner(mustKeypair(t))
	f.mux.HandleFunc("POST /v1/authorization/verify", func(w http.ResponseWriter, r *http.Request) {
		reply(t, w, impostor, &models.AuthorizationVerifyRes{})
	})
	c, _ := NewAuthorizationClient(f.opts())
	ok, err := c.Verify(context.Background(), mustKeypair(t).PublicKey(), keys.RoleCarrier)
	if ok || !errors.Is(err, ErrInvalidResponseSignature) {
		t.Fatalf("expected signature error, got %v %v", ok, err)
	}
}

func TestAuthorizationList(t *testing.T) {
	f := newFixture(t)
	a, b := mustKeypair(t).PublicKey(), mustKeypair(t).PublicKey()
	f.mux.HandleFunc("POST /v1/authorization/list", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.AuthorizationListReq](t, r, f)
		if req.Role != keys.RoleOracle {
			t.Errorf("unexpected role %v", req.Role)
		}
		reply(t, w, f.rs, &models.AuthorizationListRes{Pubkeys: [][]byte{a.Bytes(), {9}, b.Bytes()}})
	})
	c, _ := NewAuthorizationClient(f.opts())
	got, err := c.List(context.Background(), keys.RoleOracle)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || !got[0].Equal(a) || !got[1].Equal(b) {
		t.Fatalf("unexpected keys %v", got)
	}
}

func TestEntityVerify(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("POST /v1/entity/verify", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.EntityVerifyReq](t, r, f)
		switch string(req.EntityID) {
		case "known":
			reply(t, w, f.rs, &models.EntityVerifyRes{})
		case "broken":
			httpx.WriteError(w, httpx.Errorf(httpx.CodeInternal, "boom"))
		default:
			httpx.WriteError(w, httpx.Errorf(httpx.CodeNotFound, "not found"))
		}
	})
	c, _ := NewEntityClient(f.opts())
	if ok, err := c.Verify(context.Background(), []byte("known")); err != nil || !ok {
		t.Fatalf("known entity: %v %v", ok, err)
	}
	if ok, err := c.Verify(context.Background(), []byte("missing")); err != nil || ok {
		t.Fatalf("missing entity: %v %v", ok, err)
	}
	if _, err := c.Verify(context.Background(), []byte("broken")); httpx.CodeOf(err) != httpx.CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestAdminAddAndRemoveKey(t *testing.T) {
	f := newFixture(t)
	target := mustKeypair(t).PublicKey()
	now := time.Unix(1_700_000_000, 0)
	calls := 0
	check := func(pub []byte, role keys.Role, ts uint64) {
		calls++
		if string(pub) != string(target.Bytes()) || role != keys.RolePcs {
			t.Errorf("unexpected key change %x %v", pub, role)
		}
		if ts != uint64(now.Unix()) {
			t.Errorf("timestamp = %d", ts)
		}
	}
	f.mux.HandleFunc("POST /v1/admin/keys/add", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.AdminAddKeyReq](t, r, f)
		check(req.Pubkey, req.Role, req.Timestamp)
		reply(t, w, f.rs, &models.AdminKeyRes{})
	})
	f.mux.HandleFunc("POST /v1/admin/keys/remove", func(w http.ResponseWriter, r *http.Request) {
		req := decode[models.AdminRemoveKeyReq](t, r, f)
		check(req.Pubkey, req.Role, req.Timestamp)
		httpx.WriteError(w, httpx.Errorf(httpx.CodePermissionDenied, "permission denied"))
	})
	c, _ := NewAdminClient(f.opts())
	c.now = func() time.Time { return now }
	if err := c.AddKey(context.Background(), target, keys.RolePcs); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := c.RemoveKey(context.Background(), target, keys.RolePcs)
	if httpx.CodeOf(err) != httpx.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

// streamHandler answers a gateway stream with the given frames.
func streamHandler(t *testing.T, f *fixture, frames func(req *models.GatewayInfoStreamReq) []models.StreamFrame) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		var req models.GatewayInfoStreamReq
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if !envelope.VerifySelf(&req) {
			t.Errorf("stream request signature invalid")
		}
		for _, frame := range frames(&req) {
			if err := wsjson.Write(r.Context(), conn, frame); err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}
}

func chunk(t *testing.T, rs *envelope.ResponseSigner, n int) models.StreamFrame {
	t.Helper()
	res := &models.GatewayInfoStreamRes{}
	for range n {
		res.Gateways = append(res.Gateways, models.GatewayInfo{Address: mustKeypair(t).PublicKey().Bytes(), DeviceType: models.DeviceTypeCbrs})
	}
	if err := envelope.SignResponse(rs, res); err != nil {
		t.Fatalf("sign chunk: %v", err)
	}
	return models.StreamFrame{Chunk: res}
}

func TestInfoStreamYieldsVerifiedChunks(t *testing.T) {
	f := newFixture(t)
	var batchSize uint32
	f.mux.HandleFunc("/v1/gateways/info/stream", streamHandler(t, f, func(req *models.GatewayInfoStreamReq) []models.StreamFrame {
		batchSize = req.BatchSize
		return []models.StreamFrame{chunk(t, f.rs, 2), chunk(t, f.rs, 1)}
	}))
	c, _ := NewGatewayClient(f.opts())
	var sizes []int
	for gws, err := range c.InfoStream(context.Background(), 2) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		sizes = append(sizes, len(gws))
	}
	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if batchSize != 2 {
		t.Fatalf("batch size = %d", batchSize)
	}
}

func TestInfoStreamErrorFrameEndsIteration(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("/v1/gateways/info/stream", streamHandler(t, f, func(*models.GatewayInfoStreamReq) []models.StreamFrame {
		return []models.StreamFrame{
			chunk(t, f.rs, 1),
			{Error: &models.StreamError{Code: string(httpx.CodeInternal), Message: "database gone"}},
		}
	}))
	c, _ := NewGatewayClient(f.opts())
	chunks := 0
	var last error
	for _, err := range c.InfoStream(context.Background(), 1) {
		if err != nil {
			last = err
			continue
		}
		chunks++
	}
	if chunks != 1 || httpx.CodeOf(last) != httpx.CodeInternal {
		t.Fatalf("expected one chunk then internal error, got %d %v", chunks, last)
	}
}

func TestInfoStreamRejectsForeignChunk(t *testing.T) {
	f := newFixture(t)
	impostor := envelope.NewResponseSigner(mustKeypair(t))
	f.mux.HandleFunc("/v1/gateways/info/stream", streamHandler(t, f, func(*models.GatewayInfoStreamReq) []models.StreamFrame {
		return []models.StreamFrame{chunk(t, impostor, 1)}
	}))
	c, _ := NewGatewayClient(f.opts())
	for gws, err := range c.InfoStream(context.Background(), 1) {
		if !errors.Is(err, ErrInvalidResponseSignature) || gws != nil {
			t.Fatalf("expected signature error, got %v %v", gws, err)
		}
	}
}

func TestInfoStreamStopsWhenCallerBreaks(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("/v1/gateways/info/stream", streamHandler(t, f, func(*models.GatewayInfoStreamReq) []models.StreamFrame {
		return []models.StreamFrame{chunk(t, f.rs, 1), chunk(t, f.rs, 1), chunk(t, f.rs, 1)}
	}))
	c, _ := NewGatewayClient(f.opts())
	seen := 0
	for _, err := range c.InfoStream(context.Background(), 1) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("seen = %d", seen)
	}
}
