package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/services/events"
)

type deliveryHarness struct {
	submissions *SubmissionService
	results     *ResultService
	store       *memStatusStore
	broker      *events.Service
}

func newDeliveryHarness(t *testing.T) *deliveryHarness {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig().Jobs
	h := &deliveryHarness{
		store:  newMemStatusStore(),
		broker: events.NewService(logger),
	}
	h.results = NewResultService(h.broker, h.store, &config, logger)
	h.submissions = NewSubmissionService(&fakeWorkers{}, &fakeQueue{}, h.store, h.broker, &config, logger)

	t.Cleanup(func() {
		h.results.Close()
		h.broker.Close()
	})
	return h
}

func (h *deliveryHarness) complete(t *testing.T, jobID string) {
	t.Helper()
	require.NoError(t, h.submissions.ReportResult(context.Background(), models.JobResult{
		JobID:  jobID,
		Status: models.JobStatusCompleted,
		Data:   json.RawMessage(`{"mask":"out.png"}`),
	}))
}

func TestAwaitResultAfterCompletionIsImmediate(t *testing.T) {
	h := newDeliveryHarness(t)
	h.complete(t, "job_1_done")

	start := time.Now()
	result, err := h.results.AwaitResult(context.Background(), "job_1_done", time.Minute)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	assert.JSONEq(t, `{"mask":"out.png"}`, string(result.Data))
	assert.Equal(t, 0, h.results.ListenerCount("job_1_done"))
}

func TestAwaitResultReceivesPublishedResult(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx := context.Background()

	type outcome struct {
		result *models.JobResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.results.AwaitResult(ctx, "job_2_live", 5*time.Second)
		done <- outcome{r, err}
	}()

	require.Eventually(t, func() bool {
		return h.results.ListenerCount("job_2_live") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.submissions.ReportProgress(ctx, models.ProgressUpdate{JobID: "job_2_live", Progress: 40}))
	h.complete(t, "job_2_live")

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, "job_2_live", o.result.JobID)
		assert.Equal(t, models.JobStatusCompleted, o.result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not resolve")
	}

	assert.Equal(t, 0, h.results.ListenerCount("job_2_live"))
	assert.Equal(t, 0, h.broker.SubscriberCount(ResultChannel("job_2_live")))
}

func TestAwaitResultTimeoutRemovesListener(t *testing.T) {
	h := newDeliveryHarness(t)

	_, err := h.results.AwaitResult(context.Background(), "job_3_slow", 50*time.Millisecond)

	var timeoutErr *ResultTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "job_3_slow", timeoutErr.JobID)
	assert.Equal(t, 0, h.results.ListenerCount("job_3_slow"))
	assert.Equal(t, 0, h.broker.SubscriberCount(ResultChannel("job_3_slow")))
	assert.Equal(t, 0, h.broker.SubscriberCount(ProgressChannel("job_3_slow")))
}

func TestAwaitResultContextCancelled(t *testing.T) {
	h := newDeliveryHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.results.AwaitResult(ctx, "job_4_cancel", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.results.ListenerCount("job_4_cancel"))
}

func TestStreamsSeeAllEventsInOrder(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx := context.Background()
	const jobID = "job_5_stream"

	first, err := h.results.StreamProgress(ctx, jobID)
	require.NoError(t, err)
	second, err := h.results.StreamProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, h.results.ListenerCount(jobID))
	assert.Equal(t, 1, h.broker.SubscriberCount(ResultChannel(jobID)), "one shared subscription per job")

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.submissions.ReportProgress(ctx, models.ProgressUpdate{
			JobID:    jobID,
			Progress: i * 20,
			Stage:    fmt.Sprintf("step-%d", i),
		}))
	}
	h.complete(t, jobID)

	var wg sync.WaitGroup
	for _, stream := range []*ProgressStream{first, second} {
		wg.Add(1)
		go func(stream *ProgressStream) {
			defer wg.Done()

			var stages []string
			for {
				update, err := stream.Next(ctx)
				if err == io.EOF {
					break
				}
				if !assert.NoError(t, err) {
					return
				}
				stages = append(stages, update.Stage)
			}

			assert.Equal(t, []string{"step-1", "step-2", "step-3", "step-4", "step-5"}, stages)
			if assert.NotNil(t, stream.Result()) {
				assert.Equal(t, models.JobStatusCompleted, stream.Result().Status)
			}

			_, err := stream.Next(ctx)
			assert.Equal(t, io.EOF, err)
		}(stream)
	}
	wg.Wait()

	assert.Equal(t, 0, h.results.ListenerCount(jobID))
	assert.Equal(t, 0, h.broker.ChannelCount())
}

func TestStreamOnFinishedJobEndsImmediately(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx := context.Background()
	h.complete(t, "job_6_done")

	stream, err := h.results.StreamProgress(ctx, "job_6_done")
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
	require.NotNil(t, stream.Result())
	assert.Equal(t, 0, h.results.ListenerCount("job_6_done"))
}

func TestStreamCloseDetaches(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx := context.Background()

	stream, err := h.results.StreamProgress(ctx, "job_7_close")
	require.NoError(t, err)
	other, err := h.results.StreamProgress(ctx, "job_7_close")
	require.NoError(t, err)
	defer other.Close()

	stream.Close()
	stream.Close()
	assert.Equal(t, 1, h.results.ListenerCount("job_7_close"))
	assert.Equal(t, 1, h.broker.SubscriberCount(ProgressChannel("job_7_close")))

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)

	other.Close()
	assert.Equal(t, 0, h.broker.SubscriberCount(ProgressChannel("job_7_close")))
}

func TestResultServiceClose(t *testing.T) {
	h := newDeliveryHarness(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.results.AwaitResult(ctx, "job_8_closing", time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.results.ListenerCount("job_8_closing") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.results.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServiceClosed)
	case <-time.After(time.Second):
		t.Fatal("await did not return after close")
	}

	_, err := h.results.StreamProgress(ctx, "job_9")
	assert.ErrorIs(t, err, ErrServiceClosed)
}
