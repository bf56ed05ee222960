// Package fov holds the field-of-view catalog model: one Row per acquisition,
// loaded from the data catalog and treated as read-only by every later stage.
package fov

import "fmt"

// ChannelIndex records which raw image channel carries each imaging modality.
type ChannelIndex struct {
	Brightfield int `json:"ChannelNumberBrightfield"`
	DNA         int `json:"ChannelNumber405"`
	Membrane    int `json:"ChannelNumber638"`
	Structure   int `json:"ChannelNumberStruct"`
}

// Row is a single field of view as supplied by the data catalog.
type Row struct {
	FOVId              int64        `json:"FOVId"`
	ProteinDisplayName string       `json:"ProteinDisplayName"`
	SourceReadPath     string       `json:"SourceReadPath"`
	Channels           ChannelIndex `json:"channels"`
	PlateID            string       `json:"PlateId,omitempty"`
	CellLine           string       `json:"CellLine,omitempty"`
	// Rand is the FOVId_rng value in [0,1).
	Rand float64 `json:"FOVId_rng"`
}

// Label returns a short human readable identifier used in logs and job IDs.
func (r Row) Label() string {
	if r.PlateID == "" {
		return fmt.Sprintf("fov-%d", r.FOVId)
	}
	return fmt.Sprintf("plate-%s/fov-%d", r.PlateID, r.FOVId)
}

// Cohort is the key used when trimming the catalog per cell line. Rows without
// a cell line fall back to the protein name.
func (r Row) Cohort() string {
	if r.CellLine != "" {
		return r.CellLine
	}
	return r.ProteinDisplayName
}
