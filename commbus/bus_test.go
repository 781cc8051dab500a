package commbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-mesh/xmlbus/coreengine/config"
	"github.com/swarm-mesh/xmlbus/coreengine/xmlnorm"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	pipeline := xmlnorm.NewPipeline(nil, xmlnorm.NoopLogger())
	cfg := config.DefaultBusConfig()
	cfg.DefaultTimeout = 500 * time.Millisecond
	cfg.HealthcheckInterval = 24 * time.Hour // tests drive recovery explicitly
	b := NewBus(cfg, config.DefaultCircuitConfig(), pipeline, NoopBusLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func echoHandler(ctx context.Context, raw []byte) ([]byte, error) {
	return raw, nil
}

func ackHandler(ctx context.Context, raw []byte) ([]byte, error) {
	return nil, nil
}

func failingListener(msg string) ListenerFunc {
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		return nil, errors.New(msg)
	}
}

// =============================================================================
// PUBLISH / REQUEST
// =============================================================================

func TestPublish_DeliversToMatchingListener(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var called int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
}

func TestPublish_NoListenerReturnsError(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.Error(t, err)
	var noListener *NoListenerError
	assert.True(t, errors.As(err, &noListener))
}

func TestPublish_VersionFilterOnlyMatchesExactVersion(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var v1Called, v2Called int32
	bus.RegisterListener("cad-task", "1", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&v1Called, 1)
		return nil, nil
	})
	bus.RegisterListener("cad-task", "2", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&v2Called, 1)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&v1Called))
	assert.Equal(t, int32(0), atomic.LoadInt32(&v2Called))
}

func TestRequest_ListenerSynchronousReplyCompletes(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.RegisterListener("cad-task", "", 0, echoHandler)

	resp, err := bus.Request(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "cad-task", resp.Root)
	assert.Contains(t, string(resp.RawXML), "cad-task")
}

func TestRequest_TimesOutWithoutAReply(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.RegisterListener("cad-task", "", 0, ackHandler)

	_, err := bus.Request(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestRequest_NoListenerReturnsImmediately(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	start := time.Now()
	_, err := bus.Request(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	elapsed := time.Since(start)

	require.Error(t, err)
	var noListener *NoListenerError
	assert.True(t, errors.As(err, &noListener))
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestRequest_AsyncReplyViaReplyCompletesPendingRequest(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var messageID string
	var gotID int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		id, ok := xmlnorm.ExtractMessageID(raw)
		if ok {
			messageID = id
			atomic.AddInt32(&gotID, 1)
		}
		return nil, nil // ack now, reply asynchronously below
	})

	resultCh := make(chan *Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := bus.Request(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
		resultCh <- resp
		errCh <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&gotID) == 1 }, time.Second, 5*time.Millisecond)

	err := bus.Reply(ctx, []byte(`<cad-task version="1"><result>done</result></cad-task>`), messageID)
	require.NoError(t, err)

	select {
	case resp := <-resultCh:
		require.NotNil(t, resp)
		assert.Contains(t, string(resp.RawXML), "done")
	case <-time.After(time.Second):
		t.Fatal("Request never completed after Reply")
	}
	require.NoError(t, <-errCh)
}

func TestReply_AlsoRoutesOnwardAsFireAndForget(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var observed int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&observed, 1)
		return nil, nil
	})

	err := bus.Reply(ctx, []byte(`<cad-task version="1"/>`), "some-request-id")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&observed))
}

// =============================================================================
// CARDINALITY
// =============================================================================

func TestCardinalityOne_DeliversOnlyToHighestPriorityListener(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var lowCalled, highCalled int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&lowCalled, 1)
		return nil, nil
	})
	bus.RegisterListener("cad-task", "", 10, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&highCalled, 1)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&highCalled))
	assert.Equal(t, int32(0), atomic.LoadInt32(&lowCalled))
}

func TestCardinalityAny_FansOutToAllMatchingListeners(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var count1, count2, count3 int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&count1, 1)
		return nil, nil
	})
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&count2, 1)
		return nil, nil
	})
	bus.RegisterListener("mbd-update", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&count3, 1)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count3))
}

func TestCardinalityAll_GathersEveryViableReplyBeforeCompleting(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.RegisterListener("cad-task", "", 10, func(ctx context.Context, raw []byte) ([]byte, error) {
		return []byte(`<cad-task version="1"><from>fast</from></cad-task>`), nil
	})
	bus.RegisterListener("cad-task", "", 5, func(ctx context.Context, raw []byte) ([]byte, error) {
		time.Sleep(10 * time.Millisecond)
		return []byte(`<cad-task version="1"><from>medium</from></cad-task>`), nil
	})
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return []byte(`<cad-task version="1"><from>slow</from></cad-task>`), nil
	})

	resp, err := bus.Request(ctx, []byte(`<cad-task version="1"/>`), CardinalityAll)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Replies, 3)

	var from []string
	var inReplyTo string
	for _, r := range resp.Replies {
		require.NotNil(t, r)
		id, ok := xmlnorm.ExtractAttribute(r.RawXML, AttrInReplyTo)
		require.True(t, ok)
		assert.NotEmpty(t, id)
		if inReplyTo == "" {
			inReplyTo = id
		}
		assert.Equal(t, inReplyTo, id, "every gathered reply must correlate to the same request")
		from = append(from, string(r.RawXML))
	}
	assert.Len(t, from, 3)
}

// =============================================================================
// CIRCUIT BREAKER INTEGRATION
// =============================================================================

func TestDispatch_CircuitOpensAfterRepeatedFailuresAndBlocksFurtherCalls(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	circuitCfg := config.DefaultCircuitConfig()
	circuitCfg.FailureThreshold = 2
	bus.circuits = newCircuitRegistry(circuitCfg)

	var callCount int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&callCount, 1)
		return nil, errors.New("listener error")
	})

	_ = bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	_ = bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	assert.Equal(t, int32(2), atomic.LoadInt32(&callCount))

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	require.Error(t, err)
	var circuitErr *CircuitOpenError
	assert.True(t, errors.As(err, &circuitErr))
	assert.Equal(t, int32(2), atomic.LoadInt32(&callCount), "circuit should have blocked the third call")
}

func TestDispatch_CardinalityOneSkipsOpenCircuitListenerForLowerPriorityOne(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	circuitCfg := config.DefaultCircuitConfig()
	circuitCfg.FailureThreshold = 1
	bus.circuits = newCircuitRegistry(circuitCfg)

	var fallbackCalled int32
	highID, _ := bus.RegisterListener("cad-task", "", 10, failingListener("boom"))
	_ = highID
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&fallbackCalled, 1)
		return nil, nil
	})

	// First call trips the high-priority listener's breaker.
	_ = bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)

	// Second call should skip the now-open high-priority listener.
	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityOne)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalled))
}

// =============================================================================
// LISTENER REGISTRY
// =============================================================================

func TestRegisterListener_UnregisterIsIdempotentAndRemovesListener(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var called int32
	_, unregister := bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	})

	assert.Equal(t, 1, bus.ListenerCount())
	unregister()
	unregister() // must not panic
	assert.Equal(t, 0, bus.ListenerCount())

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestRegisterListener_WildcardRootMatchesAnyMessage(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var called int32
	bus.RegisterListener("", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	})

	require.NoError(t, bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny))
	require.NoError(t, bus.Publish(ctx, []byte(`<mbd-update version="2"/>`), CardinalityAny))
	assert.Equal(t, int32(2), atomic.LoadInt32(&called))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type recordingMiddleware struct {
	beforeCalls int32
	afterCalls  int32
}

func (m *recordingMiddleware) Before(ctx context.Context, raw []byte) ([]byte, error) {
	atomic.AddInt32(&m.beforeCalls, 1)
	return raw, nil
}

func (m *recordingMiddleware) After(ctx context.Context, raw []byte, responses []*Response, err error) ([]*Response, error) {
	atomic.AddInt32(&m.afterCalls, 1)
	return responses, err
}

func TestMiddleware_BeforeAndAfterAreInvoked(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	mw := &recordingMiddleware{}
	bus.AddMiddleware(mw)
	bus.RegisterListener("cad-task", "", 0, ackHandler)

	require.NoError(t, bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny))
	assert.Equal(t, int32(1), atomic.LoadInt32(&mw.beforeCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&mw.afterCalls))
}

type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, raw []byte) ([]byte, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, raw []byte, responses []*Response, err error) ([]*Response, error) {
	return responses, err
}

func TestMiddleware_NilBeforeResultAbortsDispatch(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.AddMiddleware(&abortingMiddleware{})

	var called int32
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny)
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestLoggingMiddleware_DoesNotError(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.AddMiddleware(NewLoggingMiddleware(NoopBusLogger()))
	bus.RegisterListener("cad-task", "", 0, ackHandler)

	assert.NoError(t, bus.Publish(ctx, []byte(`<cad-task version="1"/>`), CardinalityAny))
}

// =============================================================================
// NORMALIZATION INTEGRATION
// =============================================================================

func TestPublish_MalformedMessageIsRepairedBeforeDispatch(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var gotRoot string
	bus.RegisterListener("cad-task", "", 0, func(ctx context.Context, raw []byte) ([]byte, error) {
		gotRoot = xmlnorm.RootLocalName(raw)
		return nil, nil
	})

	err := bus.Publish(ctx, []byte(`<cad-task version="1">broken`), CardinalityAny)
	require.NoError(t, err)
	assert.Equal(t, "cad-task", gotRoot)
}

func TestPublish_UnrepairableMessageReturnsError(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.RegisterListener("", "", 0, ackHandler)

	err := bus.Publish(ctx, []byte(`not xml at all &&&`), CardinalityAny)
	require.Error(t, err)
	var unrepairable *xmlnorm.UnrepairableError
	assert.True(t, errors.As(err, &unrepairable))
}
