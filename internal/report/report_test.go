package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenaudit/internal/audit"
)

func scored(id string, category audit.Category, score float64) audit.Result {
	return audit.Result{
		Meta:             audit.Meta{ID: id, Category: category},
		Score:            &score,
		ScoreDisplayMode: audit.Numeric,
	}
}

func skipped(id string, category audit.Category) audit.Result {
	return audit.Result{
		Meta:             audit.Meta{ID: id, Category: category},
		ScoreDisplayMode: audit.Skip,
		ErrorMessage:     "not applicable",
	}
}

func TestGroupPartitionsByOutcome(t *testing.T) {
	results := []audit.Result{
		scored("a", audit.Server, 1),
		scored("b", audit.Server, 0.99),
		skipped("c", audit.Server),
		scored("d", audit.Design, 0),
		scored("e", "unknown", 1),
	}
	cats := Group(results, audit.Categories)
	require.Len(t, cats, 2)

	server := cats[0]
	assert.Equal(t, audit.Server, server.Name)
	assert.NotEmpty(t, server.Description)
	require.Len(t, server.Audits.Pass, 1)
	assert.Equal(t, "a", server.Audits.Pass[0].Meta.ID)
	require.Len(t, server.Audits.Fail, 1)
	assert.Equal(t, "b", server.Audits.Fail[0].Meta.ID)
	require.Len(t, server.Audits.Skip, 1)
	require.NotNil(t, server.Score)
	assert.InDelta(t, 0.995, *server.Score, 1e-12)

	design := cats[1]
	require.NotNil(t, design.Score)
	assert.Equal(t, 0.0, *design.Score)
	assert.Empty(t, design.Audits.Pass)
}

func TestSkippedCategoryIsNullNotZero(t *testing.T) {
	rep := Build([]audit.Result{
		scored("a", audit.Server, 0.6),
		skipped("b", audit.Design),
		skipped("c", audit.Design),
	}, Meta{URL: "https://example.com"})

	assert.Nil(t, rep.Categories[1].Score)
	assert.InDelta(t, 0.6, rep.GlobalScore, 1e-12)

	raw, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"score":null`)
	assert.Contains(t, string(raw), `"pass":[]`)
}

func TestGlobalScore(t *testing.T) {
	assert.Equal(t, 0.0, GlobalScore(nil))
	assert.Equal(t, 0.0, Build([]audit.Result{skipped("a", audit.Server)}, Meta{}).GlobalScore)

	rep := Build([]audit.Result{
		scored("a", audit.Server, 1),
		scored("b", audit.Server, 0),
		scored("c", audit.Design, 1),
	}, Meta{})
	assert.InDelta(t, 0.75, rep.GlobalScore, 1e-12)

	pass, fail, skip := rep.Totals()
	assert.Equal(t, 2, pass)
	assert.Equal(t, 1, fail)
	assert.Equal(t, 0, skip)
}

func TestSkippedResultsNeverMoveTheScore(t *testing.T) {
	base := []audit.Result{scored("a", audit.Server, 0.4), scored("b", audit.Design, 0.8)}
	withSkips := append(append([]audit.Result(nil), base...), skipped("c", audit.Server), skipped("d", audit.Design))
	assert.Equal(t, Build(base, Meta{}).GlobalScore, Build(withSkips, Meta{}).GlobalScore)
}

func TestPipeKeepsOrderAndEnds(t *testing.T) {
	p := NewPipe()
	p.Push(AuditChunk("run-1", scored("a", audit.Server, 1), 2))
	p.Push(AuditChunk("run-1", skipped("b", audit.Design), 2))
	rep := Build(nil, Meta{ID: "run-1", URL: "https://example.com", StartedAt: time.Unix(0, 0).UTC()})
	p.Push(DoneChunk("run-1", rep))
	p.End()

	var buf bytes.Buffer
	n, err := WriteTo(context.Background(), &buf, p)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first struct {
		Meta  ChunkMeta    `json:"meta"`
		Audit audit.Result `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, ChunkMeta{ID: "run-1", Status: StatusAudit, Total: 2}, first.Meta)
	assert.Equal(t, "a", first.Audit.Meta.ID)

	var last struct {
		Meta  ChunkMeta `json:"meta"`
		Audit Report    `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, StatusDone, last.Meta.Status)
	assert.Equal(t, "https://example.com", last.Audit.Meta.URL)

	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipePushAfterEnd(t *testing.T) {
	p := NewPipe()
	p.End()
	p.Push(AuditChunk("", scored("a", audit.Server, 1), 1))
	assert.ErrorIs(t, p.Err(), ErrPipeClosed)
	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipeNextWaitsForProducer(t *testing.T) {
	p := NewPipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			p.Push(AuditChunk("", scored("a", audit.Server, 1), 100))
		}
		p.End()
	}()

	count := 0
	for {
		_, err := p.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		count++
	}
	wg.Wait()
	assert.Equal(t, 100, count)
}

func TestPipeNextHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewPipe().Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
