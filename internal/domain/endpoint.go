package domain

import "time"

type EndpointID string

type Endpoint struct {
	ID                EndpointID
	BaseAddress       string
	Healthy           bool
	ConsecutiveErrors int
	// LastErrorAt is zero until the first reported error.
	LastErrorAt time.Time
}
