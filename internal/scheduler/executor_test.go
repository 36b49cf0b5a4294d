package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edusync/harvester/internal/core"
)

type stubSyncer struct {
	result    core.SyncResult
	err       error
	lastForce bool
}

func (s *stubSyncer) Sync(_ context.Context, _ string, force bool) (core.SyncResult, error) {
	s.lastForce = force
	return s.result, s.err
}

type stubIngester struct {
	result   core.SyncResult
	err      error
	ingested []byte
}

func (s *stubIngester) Ingest(_ context.Context, _ string, content []byte) (core.SyncResult, error) {
	s.ingested = content
	return s.result, s.err
}

type stubExpander struct {
	children []core.TaskSpec
	err      error
	content  []byte
}

func (s *stubExpander) Expand(_ core.Task, content []byte) ([]core.TaskSpec, error) {
	s.content = content
	return s.children, s.err
}

type stubRenderer struct {
	result  core.RenderResult
	err     error
	lastReq core.RenderRequest
}

func (s *stubRenderer) Execute(_ context.Context, req core.RenderRequest) (core.RenderResult, error) {
	s.lastReq = req
	return s.result, s.err
}

func TestFetchExecutorEmitsArtifactAndChildrenOnChange(t *testing.T) {
	body := []byte(`<html><a class="course-link" href="/c/1">C1</a></html>`)
	syncer := &stubSyncer{result: core.SyncResult{Changed: true, Body: body}}
	expander := &stubExpander{children: []core.TaskSpec{{Kind: core.KindSectionList, URL: "https://campus.test/c/1"}}}
	exec := NewFetchExecutor(syncer, expander)

	task := core.Task{ID: "t1", Kind: core.KindIndexPage, URL: "https://campus.test/courses"}
	result, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Len(t, result.Artifacts, 1)
	require.Equal(t, "index-page", result.Artifacts[0].Collection)
	require.Equal(t, "t1", result.Artifacts[0].Key)
	require.Equal(t, body, expander.content)
	require.Len(t, result.Children, 1)
}

func TestFetchExecutorSkipsWorkWhenUnchanged(t *testing.T) {
	syncer := &stubSyncer{result: core.SyncResult{Changed: false}}
	expander := &stubExpander{children: []core.TaskSpec{{Kind: core.KindSectionList, URL: "https://campus.test/c/1"}}}
	exec := NewFetchExecutor(syncer, expander)

	result, err := exec.Execute(context.Background(), core.Task{Kind: core.KindIndexPage, URL: "https://campus.test/courses"})
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Empty(t, result.Artifacts)
	require.Empty(t, result.Children)
	require.Nil(t, expander.content)
}

func TestFetchExecutorForwardsForceMeta(t *testing.T) {
	syncer := &stubSyncer{result: core.SyncResult{}}
	exec := NewFetchExecutor(syncer, nil)

	task := core.Task{Kind: core.KindIndexPage, URL: "https://campus.test/courses", Meta: map[string]string{"force": "true"}}
	_, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	require.True(t, syncer.lastForce)
}

func TestFetchExecutorPropagatesSyncError(t *testing.T) {
	syncErr := errors.New("fetch blew up")
	exec := NewFetchExecutor(&stubSyncer{err: syncErr}, nil)

	_, err := exec.Execute(context.Background(), core.Task{Kind: core.KindIndexPage, URL: "https://campus.test/courses"})
	require.ErrorIs(t, err, syncErr)
}

func TestRenderExecutorIngestsAndEmitsFieldArtifact(t *testing.T) {
	renderer := &stubRenderer{result: core.RenderResult{
		HTML:   "<html><div class='grade'>87%</div></html>",
		Fields: map[string]string{"grade": "87%"},
	}}
	ingester := &stubIngester{result: core.SyncResult{Changed: true}}
	expander := &stubExpander{}
	exec := NewRenderExecutor(renderer, ingester, expander, RenderConfig{WaitSelector: ".grade"})

	task := core.Task{ID: "t2", Kind: core.KindItemDetail, URL: "https://campus.test/item/1"}
	result, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, ".grade", renderer.lastReq.WaitSelector)
	require.Equal(t, []byte(renderer.result.HTML), ingester.ingested)

	require.Len(t, result.Artifacts, 2)
	require.Equal(t, "item-detail", result.Artifacts[0].Collection)
	require.Equal(t, "item-detail-fields", result.Artifacts[1].Collection)
	require.Equal(t, "application/json", result.Artifacts[1].ContentType)
	require.JSONEq(t, `{"grade":"87%"}`, string(result.Artifacts[1].Payload))
}

func TestRenderExecutorWaitSelectorOverride(t *testing.T) {
	renderer := &stubRenderer{result: core.RenderResult{HTML: "<html/>"}}
	exec := NewRenderExecutor(renderer, &stubIngester{}, nil, RenderConfig{WaitSelector: ".default"})

	task := core.Task{
		Kind: core.KindItemDetail,
		URL:  "https://campus.test/item/1",
		Meta: map[string]string{"wait_selector": ".override"},
	}
	_, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, ".override", renderer.lastReq.WaitSelector)
}

func TestRenderExecutorUnchangedSkipsArtifacts(t *testing.T) {
	renderer := &stubRenderer{result: core.RenderResult{HTML: "<html/>", Fields: map[string]string{"x": "y"}}}
	ingester := &stubIngester{result: core.SyncResult{Changed: false}}
	exec := NewRenderExecutor(renderer, ingester, nil, RenderConfig{})

	result, err := exec.Execute(context.Background(), core.Task{Kind: core.KindItemDetail, URL: "https://campus.test/item/1"})
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Empty(t, result.Artifacts)
}

func TestRenderExecutorRenderFailureIsTransient(t *testing.T) {
	renderErr := errors.New("navigation timeout")
	exec := NewRenderExecutor(&stubRenderer{err: renderErr}, &stubIngester{}, nil, RenderConfig{})

	_, err := exec.Execute(context.Background(), core.Task{Kind: core.KindItemDetail, URL: "https://campus.test/item/1"})
	require.ErrorIs(t, err, renderErr)
	require.False(t, core.IsPermanent(err))
}
