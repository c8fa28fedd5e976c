package http

import "github.com/dbrumbaugh/sampling-extension/pkg/stats"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	Samples []SampledRecord `json:"samples,omitempty"`
	Stats   *stats.Sampler  `json:"stats,omitempty"`

	Records    int `json:"records,omitempty"`
	Tombstones int `json:"tombstones,omitempty"`
	Height     int `json:"height,omitempty"`
}

// SampledRecord is one admitted sample.
type SampledRecord struct {
	Key    uint64  `json:"key"`
	Value  uint64  `json:"value"`
	Weight float64 `json:"weight,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewSampleResponse(samples []SampledRecord) Response {
	return Response{Status: StatusSuccess, Samples: samples}
}
