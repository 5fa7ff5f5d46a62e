package models

import (
	"meshtrust/pkg/envelope"
	"meshtrust/pkg/keys"
)

// GatewayInfoReq asks for a single gateway by address.
type GatewayInfoReq struct {
	Address []byte `json:"address" cbor:"address"`
	envelope.Signed
}

type GatewayInfoRes struct {
	Info GatewayInfo `json:"info" cbor:"info"`
	envelope.Timestamped
}

// GatewayInfoBatchReq asks for an explicit address list, answered as a
// stream of chunks of at most BatchSize gateways.
type GatewayInfoBatchReq struct {
	Addresses [][]byte `json:"addresses" cbor:"addresses"`
	BatchSize uint32   `json:"batch_size" cbor:"batch_size"`
	envelope.Signed
}

type GatewayInfoStreamReq struct {
	BatchSize uint32 `json:"batch_size" cbor:"batch_size"`
	envelope.Signed
}

// GatewayInfoStreamRes is one signed chunk of a batch or full stream.
type GatewayInfoStreamRes struct {
	Gateways []GatewayInfo `json:"gateways" cbor:"gateways"`
	envelope.Timestamped
}

// StreamFrame is one websocket frame of a gateway stream: a chunk, or the
// terminal error.
type StreamFrame struct {
	Chunk *GatewayInfoStreamRes `json:"chunk,omitempty"`
	Error *StreamError          `json:"error,omitempty"`
}

type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AdminAddKeyReq and AdminRemoveKeyReq carry the request time so a captured
// request cannot be replayed outside the skew window.
type AdminAddKeyReq struct {
	Pubkey []byte    `json:"pubkey" cbor:"pubkey"`
	Role   keys.Role `json:"role" cbor:"role"`
	envelope.Timestamped
}

type AdminRemoveKeyReq struct {
	Pubkey []byte    `json:"pubkey" cbor:"pubkey"`
	Role   keys.Role `json:"role" cbor:"role"`
	envelope.Timestamped
}

type AdminKeyRes struct {
	envelope.Timestamped
}

type AuthorizationVerifyReq struct {
	Pubkey []byte    `json:"pubkey" cbor:"pubkey"`
	Role   keys.Role `json:"role" cbor:"role"`
	envelope.Signed
}

// AuthorizationVerifyRes is only sent when the key holds the role.
type AuthorizationVerifyRes struct {
	envelope.Timestamped
}

type AuthorizationListReq struct {
	Role keys.Role `json:"role" cbor:"role"`
	envelope.Signed
}

type AuthorizationListRes struct {
	Pubkeys [][]byte `json:"pubkeys" cbor:"pubkeys"`
	envelope.Timestamped
}

type EntityVerifyReq struct {
	EntityID []byte `json:"entity_id" cbor:"entity_id"`
	envelope.Signed
}

// EntityVerifyRes is only sent when the entity exists.
type EntityVerifyRes struct {
	envelope.Timestamped
}
