package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"meshtrust/pkg/httpx"
	"meshtrust/pkg/keys"
	"meshtrust/pkg/models"
	"meshtrust/pkg/threshold"
)

// gatewayInfo answers for a single gateway. A gateway may ask about
// itself without holding a role.
func (s *Server) gatewayInfo(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.GatewayInfoReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := authenticate(s, r, req, req.Address, gatewayRoles...); err != nil {
		s.fail(w, r, err)
		return
	}
	address, err := keys.ParseBytes(req.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.Gateways.Get(r.Context(), address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(s, w, r, &models.GatewayInfoRes{Info: info})
}

func (s *Server) entityVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.EntityVerifyReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := authenticate(s, r, req, nil, entityRoles...); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.EntityID) == 0 {
		s.fail(w, r, httpx.Errorf(httpx.CodeInvalidArgument, "entity_id required"))
		return
	}
	ok, err := s.Gateways.EntityExists(r.Context(), req.EntityID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, httpx.Errorf(httpx.CodeNotFound, "entity not found"))
		return
	}
	respond(s, w, r, &models.EntityVerifyRes{})
}

// authorizationVerify only answers with a signed response when the key
// holds the role; a refusal is permission denied.
func (s *Server) authorizationVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.AuthorizationVerifyReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := authenticate(s, r, req, nil, authorizationRoles...); err != nil {
		s.fail(w, r, err)
		return
	}
	key, err := keys.ParseBytes(req.Pubkey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !req.Role.Valid() {
		s.fail(w, r, httpx.Errorf(httpx.CodeInvalidArgument, "unknown role"))
		return
	}
	if !s.Oracle.IsAuthorized(r.Context(), key, req.Role) {
		s.fail(w, r, httpx.Errorf(httpx.CodePermissionDenied, "key not authorized"))
		return
	}
	respond(s, w, r, &models.AuthorizationVerifyRes{})
}

func (s *Server) authorizationList(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.AuthorizationListReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := authenticate(s, r, req, nil, authorizationRoles...); err != nil {
		s.fail(w, r, err)
		return
	}
	if !req.Role.Valid() {
		s.fail(w, r, httpx.Errorf(httpx.CodeInvalidArgument, "unknown role"))
		return
	}
	listed, err := s.Oracle.List(r.Context(), req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res := &models.AuthorizationListRes{Pubkeys: make([][]byte, 0, len(listed))}
	for _, k := range listed {
		res.Pubkeys = append(res.Pubkeys, k.Bytes())
	}
	respond(s, w, r, res)
}

func (s *Server) addKey(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.AdminAddKeyReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key, role, err := s.admit(r, req.Pubkey, req.Role, req.Timestamp, req.Signature, func() error {
		_, err := authenticate(s, r, req, nil, keys.RoleAdministrator)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Oracle.AddKey(r.Context(), key, role); err != nil {
		s.releaseClaim(r, req.Signature)
		s.fail(w, r, err)
		return
	}
	s.logger().Info("key added", "pubkey", key.String(), "role", role.String())
	respond(s, w, r, &models.AdminKeyRes{})
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	req, err := decode[models.AdminRemoveKeyReq](r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key, role, err := s.admit(r, req.Pubkey, req.Role, req.Timestamp, req.Signature, func() error {
		_, err := authenticate(s, r, req, nil, keys.RoleAdministrator)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Oracle.RemoveKey(r.Context(), key, role); err != nil {
		s.releaseClaim(r, req.Signature)
		s.fail(w, r, err)
		return
	}
	s.logger().Info("key removed", "pubkey", key.String(), "role", role.String())
	respond(s, w, r, &models.AdminKeyRes{})
}

// admit runs the admin checks in order: signer, replay window, then the
// payload itself.
func (s *Server) admit(r *http.Request, pubkey []byte, role keys.Role, timestamp uint64, signature []byte, check func() error) (keys.PublicKey, keys.Role, error) {
	if err := check(); err != nil {
		return keys.PublicKey{}, 0, err
	}
	if s.Replay != nil {
		if err := s.Replay.Check(r.Context(), timestamp, signature); err != nil {
			return keys.PublicKey{}, 0, err
		}
	}
	key, err := keys.ParseBytes(pubkey)
	if err != nil {
		return keys.PublicKey{}, 0, err
	}
	if !role.Valid() {
		return keys.PublicKey{}, 0, httpx.Errorf(httpx.CodeInvalidArgument, "unknown role")
	}
	return key, role, nil
}

// releaseClaim lets the admin resend a request whose mutation failed.
func (s *Server) releaseClaim(r *http.Request, signature []byte) {
	if s.Replay == nil {
		return
	}
	if err := s.Replay.Release(context.WithoutCancel(r.Context()), signature); err != nil {
		s.logger().Warn("release replay claim", "error", err)
	}
}

type hotspotStatusResponse struct {
	Hotspot string             `json:"hotspot_pubkey"`
	Radios  []threshold.Status `json:"radios"`
}

func (s *Server) hotspotStatus(w http.ResponseWriter, r *http.Request) {
	hotspot, err := keys.Parse(chi.URLParam(r, "pubkey"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	radios, err := threshold.StatusFor(r.Context(), s.Thresholds, hotspot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, hotspotStatusResponse{Hotspot: hotspot.String(), Radios: radios})
}
