package vectorindex

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

type mockEmbeddingsClient struct {
	calls  int
	inputs [][]string
	err    error
}

func (m *mockEmbeddingsClient) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	m.calls++
	if m.err != nil {
		return openai.EmbeddingResponse{}, m.err
	}
	req := conv.Convert()
	texts := req.Input.([]string)
	m.inputs = append(m.inputs, texts)

	resp := openai.EmbeddingResponse{}
	// Return in reverse order to exercise Index-based placement.
	for i := len(texts) - 1; i >= 0; i-- {
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: []float32{float32(len(texts[i])), 1}})
	}
	return resp, nil
}

func TestEmbedBatch_OrderAndCache(t *testing.T) {
	client := &mockEmbeddingsClient{}
	e, err := NewOpenAIEmbedder(client, "text-embedding-3-small", 16)
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 3 {
		t.Errorf("vectors out of order: %v", vecs)
	}

	vecs, err = e.EmbedBatch(ctx, []string{"bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 3 || vecs[1][0] != 2 {
		t.Errorf("vectors = %v", vecs)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}
	if len(client.inputs[1]) != 1 || client.inputs[1][0] != "cc" {
		t.Errorf("second request inputs = %v, want only the uncached text", client.inputs[1])
	}

	if _, err := e.Embed(ctx, "a"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("cached Embed hit the client: calls = %d", client.calls)
	}
}

func TestEmbed_NoCache(t *testing.T) {
	client := &mockEmbeddingsClient{}
	e, err := NewOpenAIEmbedder(client, "m", 0)
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Embed(context.Background(), "same"); err != nil {
			t.Fatalf("Embed: %v", err)
		}
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 without cache", client.calls)
	}
}

func TestEmbed_ClientError(t *testing.T) {
	client := &mockEmbeddingsClient{err: errors.New("401 unauthorized")}
	e, _ := NewOpenAIEmbedder(client, "m", 4)
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	client := &mockEmbeddingsClient{}
	e, _ := NewOpenAIEmbedder(client, "m", 4)
	got, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", got, err)
	}
	if client.calls != 0 {
		t.Errorf("calls = %d, want 0", client.calls)
	}
}
