package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/chozzz/agentfabric/internal/protocol"
)

// HandleMethod dispatches one of the protocol.MethodCron* RPC methods
// against the job table. The gateway client base registers this as the
// cron service's method handler once wired.
func (s *Service) HandleMethod(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case protocol.MethodCronList:
		return s.store.List(), nil
	case protocol.MethodCronCreate:
		return s.handleCreate(params)
	case protocol.MethodCronUpdate:
		return s.handleUpdate(params)
	case protocol.MethodCronDelete:
		id, _ := params["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("cron.delete: id required")
		}
		return nil, s.store.Delete(id)
	case protocol.MethodCronToggle:
		id, _ := params["id"].(string)
		enabled, _ := params["enabled"].(bool)
		return s.store.Toggle(id, enabled)
	case protocol.MethodCronRun:
		return s.handleRunNow(params)
	case protocol.MethodCronRuns:
		id, _ := params["id"].(string)
		return s.store.Runs(id), nil
	default:
		return nil, fmt.Errorf("cron: unknown method %q", method)
	}
}

func (s *Service) handleCreate(params map[string]interface{}) (*Job, error) {
	id, _ := params["id"].(string)
	schedule, _ := params["schedule"].(string)
	task, _ := params["task"].(string)
	if id == "" || schedule == "" || task == "" {
		return nil, fmt.Errorf("cron.create: id, schedule, and task are required")
	}
	if !ValidateSchedule(schedule) {
		return nil, fmt.Errorf("cron.create: invalid schedule %q", schedule)
	}
	job := &Job{
		ID:       id,
		AgentID:  stringParam(params, "agentId"),
		Name:     stringParam(params, "name"),
		Schedule: schedule,
		Task:     task,
		Channel:  stringParam(params, "channel"),
		To:       stringParam(params, "to"),
		Notify:   boolParam(params, "notify"),
		Enabled:  true,
	}
	if v, ok := params["enabled"].(bool); ok {
		job.Enabled = v
	}
	if v, ok := params["ephemeral"].(bool); ok {
		job.Ephemeral = v
	}
	if err := s.store.Create(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) handleUpdate(params map[string]interface{}) (*Job, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("cron.update: id required")
	}
	if schedule, ok := params["schedule"].(string); ok && schedule != "" && !ValidateSchedule(schedule) {
		return nil, fmt.Errorf("cron.update: invalid schedule %q", schedule)
	}
	return s.store.Update(id, func(j *Job) {
		if v, ok := params["schedule"].(string); ok && v != "" {
			j.Schedule = v
		}
		if v, ok := params["task"].(string); ok && v != "" {
			j.Task = v
		}
		if v, ok := params["name"].(string); ok {
			j.Name = v
		}
		if v, ok := params["channel"].(string); ok {
			j.Channel = v
		}
		if v, ok := params["to"].(string); ok {
			j.To = v
		}
		if v, ok := params["notify"].(bool); ok {
			j.Notify = v
		}
		if v, ok := params["enabled"].(bool); ok {
			j.Enabled = v
		}
	})
}

// handleRunNow fires a job immediately, outside its schedule, for manual
// testing via cron.run.
func (s *Service) handleRunNow(params map[string]interface{}) (*Run, error) {
	id, _ := params["id"].(string)
	job, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("cron.run: job %q not found", id)
	}
	now := time.Now().UTC()
	s.runJob(context.Background(), job, now)
	runs := s.store.Runs(id)
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[len(runs)-1], nil
}

func stringParam(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolParam(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}
