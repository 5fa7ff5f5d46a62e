package models

import "time"

// ReportStatus is the terminal outcome of evaluating one ingest report.
type ReportStatus string

const (
	ReportStatusValid             ReportStatus = "threshold_report_status_valid"
	ReportStatusInvalidCarrierKey ReportStatus = "threshold_report_status_invalid_carrier_key"
	ReportStatusLegacyValid       ReportStatus = "threshold_report_status_legacy_valid"
	// ReportStatusInvalidHotspotKey marks a report whose hotspot key does
	// not parse; it cannot be keyed in storage.
	ReportStatusInvalidHotspotKey ReportStatus = "threshold_report_status_invalid_hotspot_key"
)

// Met reports whether the outcome counts as a met threshold.
func (s ReportStatus) Met() bool {
	return s == ReportStatusValid || s == ReportStatusLegacyValid
}

// RadioThresholdReport is submitted by a carrier on behalf of a hotspot.
// Timestamps are unix seconds.
type RadioThresholdReport struct {
	HotspotPubkey       []byte `json:"hotspot_pubkey" cbor:"hotspot_pubkey"`
	CbsdID              string `json:"cbsd_id,omitempty" cbor:"cbsd_id,omitempty"`
	BytesThreshold      uint64 `json:"bytes_threshold" cbor:"bytes_threshold"`
	SubscriberThreshold uint32 `json:"subscriber_threshold" cbor:"subscriber_threshold"`
	ThresholdTimestamp  uint64 `json:"threshold_timestamp" cbor:"threshold_timestamp"`
	CarrierPubkey       []byte `json:"carrier_pub_key" cbor:"carrier_pub_key"`
}

func (r RadioThresholdReport) ThresholdTime() time.Time {
	return time.Unix(int64(r.ThresholdTimestamp), 0).UTC()
}

// IngestReport is one record of a report file. ReceivedTimestamp is unix
// milliseconds.
type IngestReport struct {
	ReceivedTimestamp uint64               `json:"received_timestamp" cbor:"received_timestamp"`
	Report            RadioThresholdReport `json:"report" cbor:"report"`
}

func (r IngestReport) ReceivedTime() time.Time {
	return time.UnixMilli(int64(r.ReceivedTimestamp)).UTC()
}

// VerifiedReport is the audit record of one ingest report. Timestamp is
// unix milliseconds at evaluation time.
type VerifiedReport struct {
	Report    IngestReport `json:"report" cbor:"report"`
	Status    ReportStatus `json:"status" cbor:"status"`
	Timestamp uint64       `json:"timestamp" cbor:"timestamp"`
}
