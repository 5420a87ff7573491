package client

import (
	"context"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

// VisionClient sends an image and a prompt to a local vision model
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	ReviewLabel(ctx context.Context, model, prompt, imgB64 string) (*types.LabelVerdict, error)
}
