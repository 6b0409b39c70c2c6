package remote

import "github.com/MarcoPoloResearchLab/somnia/dreams"

// Wire envelopes for the dream-journal HTTP protocol. Entities keep their
// canonical camelCase JSON document shape; the envelopes only add the outer
// key the server frames responses with.

type dreamEnvelope struct {
	Dream dreams.DreamAnalysis `json:"dream"`
}

type dreamListEnvelope struct {
	Dreams []dreams.DreamAnalysis `json:"dreams"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}
