package ports

import (
	"net/http"

	"github.com/bnema/tether/internal/domain"
)

type EndpointSelector interface {
	Select(exclude ...domain.EndpointID) (domain.Endpoint, error)
	ReportError(id domain.EndpointID)
	ReportSuccess(id domain.EndpointID)
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
