package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// ScheduleRef is the schedule source wire contract: the minimum the
// dispatcher needs to evaluate and trigger a schedule.
type ScheduleRef struct {
	Id             string `json:"id" validate:"required"`
	WorkflowId     string `json:"workflowId" validate:"required"`
	CronExpression string `json:"cronExpression" validate:"required"`
	Timezone       string `json:"timezone"`
}

// ScheduleSource provides the dispatch candidate set: every enabled
// schedule, fetched once per cycle.
type ScheduleSource interface {
	FetchEnabledSchedules(ctx context.Context) ([]*ScheduleRef, error)
}

// HTTPScheduleSource fetches the candidate set from the internal API,
// authenticated with the shared service key.
type HTTPScheduleSource struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

var _ ScheduleSource = (*HTTPScheduleSource)(nil)

func NewHTTPScheduleSource(config *ScheduleSourceConfig, serviceKey string) *HTTPScheduleSource {
	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMax = config.RequestTimeout
	client.Logger = nil

	httpClient := client.StandardClient()
	httpClient.Timeout = config.RequestTimeout

	return &HTTPScheduleSource{
		baseURL:    config.BaseURL,
		serviceKey: serviceKey,
		httpClient: httpClient,
	}
}

func (s *HTTPScheduleSource) FetchEnabledSchedules(ctx context.Context) ([]*ScheduleRef, error) {
	url := fmt.Sprintf("%s/v1/internal/schedules", s.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schedule fetch request")
	}
	req.Header.Set(HeaderServiceKey, s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to execute schedule fetch request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status code %d for schedule fetch request", resp.StatusCode)
	}

	var schedules []*ScheduleRef
	if err := json.NewDecoder(resp.Body).Decode(&schedules); err != nil {
		return nil, errors.WithMessage(err, "failed to decode schedule fetch response")
	}

	for _, schedule := range schedules {
		if err := validate.Struct(schedule); err != nil {
			return nil, errors.WithMessagef(err, "invalid schedule in fetch response")
		}
	}

	return schedules, nil
}
