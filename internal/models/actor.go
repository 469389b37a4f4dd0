package models

import "slices"

type Capability string

const (
	CapForceUnlock  Capability = "lock:force"
	CapPublish      Capability = "overlay:publish"
	CapDelete       Capability = "overlay:delete"
	CapSosManage    Capability = "sos:manage"
	CapReportTriage Capability = "report:triage"
)

// Capabilities lists every capability the server checks.
var Capabilities = []Capability{CapForceUnlock, CapPublish, CapDelete, CapSosManage, CapReportTriage}

// Actor is the identity resolved by the external identity collaborator.
type Actor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

func (a Actor) Has(c Capability) bool {
	return slices.Contains(a.Capabilities, c)
}
