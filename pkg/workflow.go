package pkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// WorkflowRunResult is the business outcome of a workflow run. A failed
// workflow is still a valid, recordable outcome; only transport-level
// failures surface as errors from the executor.
type WorkflowRunResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type WorkflowExecutor interface {
	ExecuteWorkflow(ctx context.Context, workflowId string, executionId string, trigger *TriggerMessage) (*WorkflowRunResult, error)
}

type workflowExecuteRequest struct {
	ExecutionId string                 `json:"executionId"`
	Input       map[string]interface{} `json:"input"`
}

// HTTPWorkflowExecutor invokes the workflow executor service. Requests
// carry the service key and an internal-origin marker, so the executor
// can tell pipeline-originated runs from user-facing ones.
type HTTPWorkflowExecutor struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

var _ WorkflowExecutor = (*HTTPWorkflowExecutor)(nil)

func NewHTTPWorkflowExecutor(config *WorkflowConfig, serviceKey string) *HTTPWorkflowExecutor {
	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil

	httpClient := client.StandardClient()
	httpClient.Timeout = config.RequestTimeout

	return &HTTPWorkflowExecutor{
		baseURL:    config.BaseURL,
		serviceKey: serviceKey,
		httpClient: httpClient,
	}
}

func (e *HTTPWorkflowExecutor) ExecuteWorkflow(ctx context.Context, workflowId string, executionId string, trigger *TriggerMessage) (*WorkflowRunResult, error) {
	input := map[string]interface{}{
		"triggerType": TriggerTypeManual,
	}
	if trigger != nil {
		input["triggerType"] = trigger.TriggerType
		input["scheduleId"] = trigger.ScheduleId
		input["triggerTime"] = trigger.TriggerTime.Format(time.RFC3339)
	}

	body, err := json.Marshal(&workflowExecuteRequest{
		ExecutionId: executionId,
		Input:       input,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode workflow execution request")
	}

	url := fmt.Sprintf("%s/workflow/%s/execute", e.baseURL, workflowId)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create workflow execution request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderServiceKey, e.serviceKey)
	req.Header.Set(HeaderInternal, "true")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute workflow request")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLogMaxSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The executor answered: a refused or failed run is a business
		// outcome, not a transport failure
		return &WorkflowRunResult{
			Success: false,
			Error:   fmt.Sprintf("workflow executor returned status %d: %s", resp.StatusCode, truncateForLog(string(respBody))),
		}, nil
	}

	result := new(WorkflowRunResult)
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, errors.WithMessage(err, "failed to decode workflow execution response")
		}
	} else {
		result.Success = true
	}

	return result, nil
}

const bodyLogMaxSize = 4 * 1024

func truncateForLog(s string) string {
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
