// Package mock provides test double implementations of AI service interfaces.
//
// The mocks let tests run without an embedding service and make failures
// injectable and countable.
//
// # Usage in Tests
//
//	// Deterministic vectors derived from the text hash
//	embedder := mock.NewMockEmbedder()
//	vector, err := embedder.EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	embedder = mock.NewMockEmbedder().
//	    WithEmbedTextFunc(func(ctx context.Context, text string) ([]float32, error) {
//	        return []float32{0.1, 0.2, 0.3}, nil
//	    })
//
//	// Fail the first two calls, then succeed
//	embedder = mock.NewMockEmbedder().FailFirst(2, context.DeadlineExceeded)
//
//	count := embedder.CallCount()
package mock
