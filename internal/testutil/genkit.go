package testutil

import (
	"context"
	"testing"

	"github.com/firebase/genkit/go/genkit"
)

// SetupGenkit initializes a Genkit instance with no provider plugins.
// Mock models and embedders register against it by name, so tests never
// touch a real API.
func SetupGenkit(t *testing.T) *genkit.Genkit {
	t.Helper()

	g := genkit.Init(context.Background())
	if g == nil {
		t.Fatal("initializing genkit")
	}
	return g
}
