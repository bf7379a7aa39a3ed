package rpc

import (
	"context"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/supervisor"
	"github.com/zjrosen/conclave/internal/vcc"
)

// RegisterInstanceVerbs wires the Instance Supervisor's operations into d
// as the spawn/send/read/list/terminate/restart/get_progress/get_branch/
// merge_branch/describe verbs.
func RegisterInstanceVerbs(d *Dispatcher, sup *supervisor.Supervisor) {
	d.Handle(rbac.VerbSpawn, handleSpawn(sup))
	d.Handle(rbac.VerbSend, handleSend(sup))
	d.Handle(rbac.VerbRead, handleRead(sup))
	d.Handle(rbac.VerbList, handleList(sup))
	d.Handle(rbac.VerbTerminate, handleTerminate(sup))
	d.Handle(rbac.VerbRestart, handleRestart(sup))
	d.Handle(rbac.VerbGetProgress, handleGetProgress(sup))
	d.Handle(rbac.VerbGetBranch, handleGetBranch(sup))
	d.Handle(rbac.VerbMergeBranch, handleMergeBranch(sup))
	d.Handle(rbac.VerbDescribe, handleDescribe(sup))
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := stringParam(params, key)
	if !ok || v == "" {
		return "", kernelerr.New(kernelerr.ErrInvalidArgument, key+" is required and must be a string")
	}
	return v, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func handleSpawn(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		role, err := requireString(req.Params, "role")
		if err != nil {
			return Response{}, err
		}
		workDir, err := requireString(req.Params, "work_dir")
		if err != nil {
			return Response{}, err
		}
		taskCtx, _ := stringParam(req.Params, "context")
		parentID, _ := stringParam(req.Params, "parent_id")
		wsMode, _ := stringParam(req.Params, "workspace_mode")

		// Managers may only spawn specialist children.
		if req.Caller.Role == registry.RoleManager && registry.Role(role) != registry.RoleSpecialist {
			return Response{}, kernelerr.New(kernelerr.ErrCapabilityDenied, "managers may only spawn specialists")
		}

		inst, err := sup.Spawn(ctx, supervisor.SpawnSpec{
			Role: registry.Role(role),
			WorkDir: workDir,
			Context: taskCtx,
			ParentID: parentID,
			WorkspaceMode: registry.WorkspaceMode(wsMode),
		})
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"instance_id": inst.InstanceID}), nil
	}
}

func handleSend(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		text, err := requireString(req.Params, "text")
		if err != nil {
			return Response{}, err
		}
		if err := sup.Send(ctx, instanceID, text, sender.PriorityNormal, false); err != nil {
			return Response{}, err
		}
		return ok(nil), nil
	}
}

func handleRead(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		lines := intParam(req.Params, "lines", 0)
		out, err := sup.Read(ctx, instanceID, lines)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"output": out}), nil
	}
}

func handleList(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		role, _ := stringParam(req.Params, "role")
		parentID, _ := stringParam(req.Params, "parent_id")
		instances, err := sup.List(ctx, registry.ListQuery{Role: registry.Role(role), ParentID: parentID})
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"instances": instances, "count": len(instances)}), nil
	}
}

func handleTerminate(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		cascade := boolParam(req.Params, "cascade")
		if err := sup.Terminate(ctx, instanceID, cascade); err != nil {
			return Response{}, err
		}
		return ok(nil), nil
	}
}

func handleRestart(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		inst, err := sup.Restart(ctx, instanceID)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"instance_id": inst.InstanceID}), nil
	}
}

func handleGetProgress(sup *supervisor.Supervisor) Handler {
	return func(_ context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		snap, found := sup.GetProgress(instanceID)
		if !found {
			return Response{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
		}
		return ok(map[string]any{"todos": snap.Todos, "completion_rate": snap.CompletionRate}), nil
	}
}

func handleGetBranch(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		branch, err := sup.GetBranch(ctx, instanceID)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"branch": branch}), nil
	}
}

func handleMergeBranch(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		target, err := requireString(req.Params, "target")
		if err != nil {
			return Response{}, err
		}
		strategy := vcc.StrategyAuto
		if s, ok := stringParam(req.Params, "strategy"); ok && s != "" {
			strategy = vcc.MergeStrategy(s)
		}
		result, err := sup.MergeBranch(ctx, instanceID, target, strategy)
		if err != nil {
			return Response{}, err
		}
		data := map[string]any{"success": result.Success, "strategy_used": string(result.StrategyUsed)}
		if result.Conflicts != nil {
			data["conflicts"] = result.Conflicts
		}
		return ok(data), nil
	}
}

func handleDescribe(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		desc, err := sup.Describe(ctx, instanceID)
		if err != nil {
			return Response{}, err
		}
		data := map[string]any{"instance": desc.Instance}
		if desc.Progress != nil {
			data["progress"] = desc.Progress
		}
		if desc.Branch != "" {
			data["branch"] = desc.Branch
		}
		return ok(data), nil
	}
}
