package rpc

import (
	"context"

	"github.com/google/uuid"

	"github.com/zjrosen/conclave/internal/dispatcher"
	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/registry"
)

// RegisterJobVerbs wires the Parallel Task Dispatcher into d as the
// execute_parallel/distribute_work/get_parallel_status verbs.
func RegisterJobVerbs(d *Dispatcher, jobs *dispatcher.Dispatcher) {
	d.Handle(rbac.VerbExecuteParallel, handleExecuteParallel(jobs))
	d.Handle(rbac.VerbDistributeWork, handleDistributeWork(jobs))
	d.Handle(rbac.VerbGetParallelStatus, handleGetParallelStatus(jobs))
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// handleExecuteParallel submits one job per task, all assigned to the
// same manager, and returns the submitted job ids.
func handleExecuteParallel(jobs *dispatcher.Dispatcher) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		managerID, err := requireString(req.Params, "manager_id")
		if err != nil {
			return Response{}, err
		}
		tasks := stringSliceParam(req.Params, "tasks")
		if len(tasks) == 0 {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "tasks is required and must be a non-empty array of strings")
		}
		priority := registry.PriorityMedium
		if p, ok := stringParam(req.Params, "priority"); ok && p != "" {
			priority = registry.Priority(p)
		}

		jobIDs := make([]string, 0, len(tasks))
		for _, task := range tasks {
			job := &registry.Job{
				JobID: uuid.NewString(),
				Priority: priority,
				Payload: []string{task},
				AssignedTo: managerID,
			}
			if err := jobs.Submit(ctx, job); err != nil {
				return Response{}, err
			}
			jobIDs = append(jobIDs, job.JobID)
		}
		return ok(map[string]any{"job_ids": jobIDs}), nil
	}
}

func managerLoadsParam(params map[string]any, jobs *dispatcher.Dispatcher) []dispatcher.ManagerLoad {
	raw, ok := params["managers"].([]any)
	if !ok {
		return nil
	}
	loads := make([]dispatcher.ManagerLoad, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		id, _ := stringParam(m, "manager_id")
		if id == "" {
			continue
		}
		capacity := intParam(m, "capacity", 0)
		loads = append(loads, dispatcher.ManagerLoad{
			ManagerID: id,
			Active: jobs.ActiveCount(id),
			Capacity: capacity,
		})
	}
	return loads
}

func strategyFor(name string) dispatcher.Strategy {
	switch name {
	case "least_loaded":
		return dispatcher.LeastLoaded
	case "capacity_aware":
		return dispatcher.CapacityAware
	default:
		return dispatcher.RoundRobin
	}
}

// handleDistributeWork assigns tasks to managers per the requested
// strategy (default round_robin) and submits one job per assignment.
func handleDistributeWork(jobs *dispatcher.Dispatcher) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		tasks := stringSliceParam(req.Params, "tasks")
		if len(tasks) == 0 {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "tasks is required and must be a non-empty array of strings")
		}
		loads := managerLoadsParam(req.Params, jobs)
		if len(loads) == 0 {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "managers is required and must be a non-empty array of {manager_id, capacity}")
		}
		strategyName, _ := stringParam(req.Params, "strategy")
		priority := registry.PriorityMedium
		if p, ok := stringParam(req.Params, "priority"); ok && p != "" {
			priority = registry.Priority(p)
		}

		assignments := strategyFor(strategyName)(tasks, loads)

		result := make([]map[string]any, 0, len(assignments))
		for _, a := range assignments {
			jobIDs := make([]string, 0, len(a.Tasks))
			for _, task := range a.Tasks {
				job := &registry.Job{
					JobID: uuid.NewString(),
					Priority: priority,
					Payload: []string{task},
					AssignedTo: a.ManagerID,
				}
				if err := jobs.Submit(ctx, job); err != nil {
					return Response{}, err
				}
				jobIDs = append(jobIDs, job.JobID)
			}
			result = append(result, map[string]any{
				"manager_id": a.ManagerID,
				"job_ids": jobIDs,
			})
		}
		return ok(map[string]any{"strategy": strategyName, "assignments": result}), nil
	}
}

// handleGetParallelStatus reports a single job's state when job_id is
// given, otherwise the active job count for manager_id.
func handleGetParallelStatus(jobs *dispatcher.Dispatcher) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		if jobID, found := stringParam(req.Params, "job_id"); found && jobID != "" {
			job, exists, err := jobs.Get(ctx, jobID)
			if err != nil {
				return Response{}, err
			}
			if !exists {
				return Response{}, kernelerr.New(kernelerr.ErrJobNotFound, jobID)
			}
			return ok(map[string]any{
				"job_id": job.JobID,
				"status": job.Status,
				"priority": job.Priority,
				"assigned_to": job.AssignedTo,
				"attempts": job.Attempts,
				"max_attempts": job.MaxAttempts,
			}), nil
		}

		managerID, err := requireString(req.Params, "manager_id")
		if err != nil {
			return Response{}, err
		}
		jobList, err := jobs.ByManager(ctx, managerID)
		if err != nil {
			return Response{}, err
		}
		pending, active, completed, failed := 0, 0, 0, 0
		for _, j := range jobList {
			switch j.Status {
			case registry.JobPending:
				pending++
			case registry.JobActive:
				active++
			case registry.JobCompleted:
				completed++
			case registry.JobFailed:
				failed++
			}
		}
		return ok(map[string]any{
			"manager_id": managerID,
			"active_slots": jobs.ActiveCount(managerID),
			"pending": pending,
			"active": active,
			"completed": completed,
			"failed": failed,
			"total": len(jobList),
		}), nil
	}
}
