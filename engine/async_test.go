package engine

import (
	"net/http"
	"sync"
	"testing"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/stretchr/testify/require"
)

func TestAsyncServiceCalls(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h *harness, defId string){
		"only the current request resumes the branch": func(t *testing.T, h *harness, defId string) {
			wi := h.start(t, defId, nil)
			require.Equal(t, model.INSTANCE_SUSPENDED, wi.Status)
			susp := wi.Branches[0].Suspension
			require.Equal(t, model.AWAITING_SERVICE, susp.Reason)
			require.Equal(t, 1, susp.Attempt)
			before := h.instance(t, wi.Id)

			_, err := h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: "stale", Body: map[string]any{"approved": false}})
			require.NoError(t, err)
			after := h.instance(t, wi.Id)
			require.Equal(t, before.Version, after.Version)
			require.Equal(t, before.LogSequence, after.LogSequence)

			_, err = h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: susp.RequestId, Body: map[string]any{"approved": true}})
			require.NoError(t, err)
			wi = h.instance(t, wi.Id)
			require.Equal(t, model.INSTANCE_COMPLETED, wi.Status)
			require.Equal(t, true, wi.Variables["call"].(map[string]any)["approved"])
			results, err := h.store.ListServiceResults(h.ctx, wi.Id)
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.True(t, results[0].Success)
			require.Equal(t, susp.RequestId, results[0].RequestId)

			_, err = h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: susp.RequestId})
			require.NoError(t, err)
			require.Equal(t, wi.LogSequence, h.instance(t, wi.Id).LogSequence)
		},
		"non retryable failure fails the instance": func(t *testing.T, h *harness, defId string) {
			wi := h.start(t, defId, nil)
			_, err := h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{
				InstanceId:   wi.Id,
				RequestId:    wi.Branches[0].Suspension.RequestId,
				StatusCode:   http.StatusUnprocessableEntity,
				Error:        "applicant rejected",
				NonRetryable: true,
			})
			require.NoError(t, err)
			wi = h.instance(t, wi.Id)
			require.Equal(t, model.INSTANCE_FAILED, wi.Status)
			require.Contains(t, wi.ErrorMessage, "applicant rejected")
			require.Equal(t, 1, wi.RetryCount)
		},
		"retryable failure is dispatched again": func(t *testing.T, h *harness, defId string) {
			wi := h.start(t, defId, nil)
			first := wi.Branches[0].Suspension.RequestId
			_, err := h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: first, StatusCode: http.StatusServiceUnavailable})
			require.NoError(t, err)
			susp := h.instance(t, wi.Id).Branches[0].Suspension
			require.NotNil(t, susp.RetryAt)
			require.NotEqual(t, first, susp.RequestId)

			// a response for a call waiting on its retry is ignored
			_, err = h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: susp.RequestId})
			require.NoError(t, err)
			require.Equal(t, model.INSTANCE_SUSPENDED, h.instance(t, wi.Id).Status)

			h.clock.Advance(2 * time.Second)
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			wi = h.instance(t, wi.Id)
			susp = wi.Branches[0].Suspension
			require.Nil(t, susp.RetryAt)
			require.Equal(t, 2, susp.Attempt)

			_, err = h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: susp.RequestId, Body: "ok"})
			require.NoError(t, err)
			wi = h.instance(t, wi.Id)
			require.Equal(t, model.INSTANCE_COMPLETED, wi.Status)
			require.Equal(t, "ok", wi.Variables["call"].(map[string]any)["value"])
		},
		"responses after cancel are discarded": func(t *testing.T, h *harness, defId string) {
			wi := h.start(t, defId, nil)
			_, err := h.engine.CancelInstance(h.ctx, model.CancelInstanceRequest{InstanceId: wi.Id, Reason: "withdrawn"})
			require.NoError(t, err)
			_, err = h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: wi.Id, RequestId: wi.Branches[0].Suspension.RequestId})
			require.NoError(t, err)
			require.Equal(t, model.INSTANCE_CANCELLED, h.instance(t, wi.Id).Status)
			results, err := h.store.ListServiceResults(h.ctx, wi.Id)
			require.NoError(t, err)
			require.Empty(t, results)
		},
		"request ids are required": func(t *testing.T, h *harness, defId string) {
			_, err := h.engine.HandleServiceResponse(h.ctx, model.ServiceResponse{InstanceId: "x"})
			require.True(t, api.IsInvalidRequest(err))
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			h := newHarness(t)
			srv, _ := serviceServer(t, http.StatusOK, map[string]any{})
			h.registerService(t, "kyc", srv.URL)
			defId := h.deploy(t, serviceDefinition("kyc-check", model.ServiceNodeConfig{ServiceName: "kyc", Async: true, MaxRetries: 3}))
			fn(t, h, defId)
		})
	}
}

func TestAsyncDispatcher(t *testing.T) {
	h := newHarness(t)
	srv, calls := serviceServer(t, http.StatusOK, map[string]any{"score": 42})
	h.registerService(t, "scoring", srv.URL)
	defId := h.deploy(t, serviceDefinition("scoring", model.ServiceNodeConfig{ServiceName: "scoring", Async: true}))

	var wg sync.WaitGroup
	h.engine.Start(2, &wg)
	defer func() {
		require.NoError(t, h.engine.Stop())
		wg.Wait()
	}()

	wi := h.start(t, defId, nil)
	require.Eventually(t, func() bool {
		return h.instance(t, wi.Id).Status == model.INSTANCE_COMPLETED
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 42, h.instance(t, wi.Id).Variables["call"].(map[string]any)["score"])
}

func TestRecover(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h *harness){
		"in flight async call is dispatched again": func(t *testing.T, h *harness) {
			srv, calls := serviceServer(t, http.StatusOK, map[string]any{"checked": true})
			h.registerService(t, "kyc", srv.URL)
			defId := h.deploy(t, serviceDefinition("kyc-check", model.ServiceNodeConfig{ServiceName: "kyc", Async: true}))
			wi := h.start(t, defId, nil)
			requestId := wi.Branches[0].Suspension.RequestId
			require.Zero(t, calls.Load())

			h.engine = h.newEngine()
			var wg sync.WaitGroup
			h.engine.Start(1, &wg)
			defer func() {
				require.NoError(t, h.engine.Stop())
				wg.Wait()
			}()
			require.NoError(t, h.engine.Recover(h.ctx))
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			require.Eventually(t, func() bool {
				return h.instance(t, wi.Id).Status == model.INSTANCE_COMPLETED
			}, 5*time.Second, 10*time.Millisecond)
			require.EqualValues(t, 1, calls.Load())
			results, err := h.store.ListServiceResults(h.ctx, wi.Id)
			require.NoError(t, err)
			require.Equal(t, requestId, results[0].RequestId)
		},
		"lost retry job is rescheduled": func(t *testing.T, h *harness) {
			srv, calls := serviceServer(t, http.StatusInternalServerError, nil)
			h.registerService(t, "flaky", srv.URL)
			defId := h.deploy(t, serviceDefinition("flaky", model.ServiceNodeConfig{ServiceName: "flaky", MaxRetries: 2}))
			wi := h.start(t, defId, nil)
			require.Equal(t, model.INSTANCE_SUSPENDED, wi.Status)

			h.engine = h.newEngine()
			h.clock.Advance(2 * time.Second)
			require.Zero(t, h.scheduler.Poll(h.ctx))
			require.NoError(t, h.engine.Recover(h.ctx))
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			require.EqualValues(t, 2, calls.Load())
			require.Equal(t, model.INSTANCE_FAILED, h.instance(t, wi.Id).Status)
		},
		"terminal instances are left alone": func(t *testing.T, h *harness) {
			defId := h.deploy(t, approvalDefinition(manualTask("u1")))
			wi := h.start(t, defId, nil)
			h.complete(t, h.taskAt(t, wi.Id, "approve").Id, "approved")
			done := h.instance(t, wi.Id)
			require.NoError(t, h.engine.Recover(h.ctx))
			require.Equal(t, done.Version, h.instance(t, wi.Id).Version)
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func TestRetryJobsSurviveStoreErrors(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h *harness){
		"failed retry job runs again": func(t *testing.T, h *harness) {
			store := h.withFlakyStore()
			srv, calls := serviceServer(t, http.StatusInternalServerError, nil)
			h.registerService(t, "flaky", srv.URL)
			defId := h.deploy(t, serviceDefinition("flaky", model.ServiceNodeConfig{ServiceName: "flaky", MaxRetries: 2}))
			wi := h.start(t, defId, nil)
			require.EqualValues(t, 1, calls.Load())

			store.failures.Store(1)
			h.clock.Advance(time.Second)
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			require.EqualValues(t, 1, calls.Load())
			require.Equal(t, model.INSTANCE_SUSPENDED, h.instance(t, wi.Id).Status)

			h.clock.Advance(time.Second)
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			require.EqualValues(t, 2, calls.Load())
			require.Equal(t, model.INSTANCE_FAILED, h.instance(t, wi.Id).Status)
		},
		"stalled retry is rescheduled by the sweep": func(t *testing.T, h *harness) {
			srv, calls := serviceServer(t, http.StatusInternalServerError, nil)
			h.registerService(t, "flaky", srv.URL)
			defId := h.deploy(t, serviceDefinition("flaky", model.ServiceNodeConfig{ServiceName: "flaky", MaxRetries: 2}))
			wi := h.start(t, defId, nil)

			// a fresh engine has an empty queue, as if the push was lost
			h.engine = h.newEngine()
			h.clock.Advance(time.Second)
			n, err := h.engine.RescheduleStalledRetries(h.ctx, time.Minute)
			require.NoError(t, err)
			require.Zero(t, n)

			h.clock.Advance(2 * time.Minute)
			require.Zero(t, h.scheduler.Poll(h.ctx))
			n, err = h.engine.RescheduleStalledRetries(h.ctx, time.Minute)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			require.Equal(t, 1, h.scheduler.Poll(h.ctx))
			require.EqualValues(t, 2, calls.Load())
			require.Equal(t, model.INSTANCE_FAILED, h.instance(t, wi.Id).Status)
		},
		"duplicate retry jobs run once": func(t *testing.T, h *harness) {
			srv, calls := serviceServer(t, http.StatusInternalServerError, nil)
			h.registerService(t, "flaky", srv.URL)
			defId := h.deploy(t, serviceDefinition("flaky", model.ServiceNodeConfig{ServiceName: "flaky", MaxRetries: 3}))
			wi := h.start(t, defId, nil)

			h.clock.Advance(2 * time.Minute)
			n, err := h.engine.RescheduleStalledRetries(h.ctx, time.Minute)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			require.Equal(t, 2, h.scheduler.Poll(h.ctx))
			require.EqualValues(t, 2, calls.Load())
			susp := h.instance(t, wi.Id).Branches[0].Suspension
			require.Equal(t, 2, susp.Attempt)
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}
