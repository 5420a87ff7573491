package review

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/bbox-classifier/pkg/client"
	"github.com/menta2k/bbox-classifier/pkg/llamacpp"
	"github.com/menta2k/bbox-classifier/pkg/ollama"
)

// NewVisionClient creates the client for a backend name: ollama or llamacpp.
// An empty url uses the backend's default.
func NewVisionClient(backend, url string) (client.VisionClient, error) {
	switch strings.ToLower(backend) {
	case "", "ollama":
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "llamacpp", "llama.cpp":
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown review backend %q", backend)
	}
}
