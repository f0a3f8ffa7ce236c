package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/agent"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/memory"
	"github.com/taskhive/taskhive/internal/storage"
	"github.com/taskhive/taskhive/internal/workitem"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

func registerTools(s *server.MCPServer, svc Services, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new work item for a persona's queue, or pre-assign it to one agent."),
			mcp.WithString("personaId",
				mcp.Required(),
				mcp.Description("The persona whose agents may claim this task"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the claiming agent should do"),
			),
			mcp.WithString("agentId",
				mcp.Description("Pre-assign the task to this agent (optional)"),
			),
			mcp.WithString("priority",
				mcp.Description("Priority: low, normal, high, critical (default normal)"),
			),
		),
		createTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_next_task",
			mcp.WithDescription("Claim the next task for an agent, waiting for work when the queue is empty. "+
				"A task id starting with \"system:requery:\" means no work arrived in time; call again."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The polling agent's id"),
			),
			mcp.WithNumber("timeoutMs",
				mcp.Description("Max wait in milliseconds; 0 makes a single immediate attempt (optional)"),
			),
		),
		getNextTaskHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Fetch one task by id."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id"),
			),
		),
		getTaskStatusHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_tasks_by_status",
			mcp.WithDescription("List tasks in a given status."),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("One of: PENDING, IN_PROGRESS, COMPLETED, FAILED"),
			),
		),
		getTasksByStatusHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_tasks_by_agent_id",
			mcp.WithDescription("List tasks assigned to an agent."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The agent id"),
			),
		),
		getTasksByAgentIDHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("get_tasks_by_agent_id_and_status",
			mcp.WithDescription("List tasks assigned to an agent, narrowed to one status."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The agent id"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("One of: PENDING, IN_PROGRESS, COMPLETED, FAILED"),
			),
		),
		getTasksByAgentIDAndStatusHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("report_task_completion",
			mcp.WithDescription("Mark the task completed with a result summary."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id"),
			),
			mcp.WithString("result",
				mcp.Required(),
				mcp.Description("What was accomplished"),
			),
		),
		reportTaskCompletionHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("report_task_failure",
			mcp.WithDescription("Mark the task failed with an error message."),
			mcp.WithString("taskId",
				mcp.Required(),
				mcp.Description("The task id"),
			),
			mcp.WithString("errorMessage",
				mcp.Required(),
				mcp.Description("Why the task failed"),
			),
		),
		reportTaskFailureHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents, optionally filtered by persona."),
			mcp.WithString("personaFilter",
				mcp.Description("Only agents of this persona (optional)"),
			),
		),
		listAgentsHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("launch_agent",
			mcp.WithDescription("Launch a new agent subprocess for a persona with an initial task."),
			mcp.WithString("personaId",
				mcp.Required(),
				mcp.Description("The persona the agent embodies"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("The agent's first task"),
			),
			mcp.WithString("worktreeName",
				mcp.Description("Git worktree for the agent to work in (optional)"),
			),
			mcp.WithString("model",
				mcp.Description("Model override for the agent (optional)"),
			),
			mcp.WithBoolean("yolo",
				mcp.Description("Skip permission prompts in the agent runner (optional)"),
			),
		),
		launchAgentHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("kill_agent",
			mcp.WithDescription("Force-terminate an agent; its in-progress tasks are failed and returned to visibility."),
			mcp.WithString("agentId",
				mcp.Required(),
				mcp.Description("The agent id"),
			),
		),
		killAgentHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("save_memory",
			mcp.WithDescription("Save a value in the shared memory store."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The key to store under"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("The value to store"),
			),
			mcp.WithString("type",
				mcp.Description("Value type hint (default text)"),
			),
			mcp.WithString("metadata",
				mcp.Description("Opaque metadata, e.g. JSON (optional)"),
			),
			mcp.WithString("namespace",
				mcp.Description("Namespace to isolate keys (optional)"),
			),
		),
		saveMemoryHandler(svc, log),
	)

	s.AddTool(
		mcp.NewTool("read_memory",
			mcp.WithDescription("Read a value from the shared memory store."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The key to read"),
			),
			mcp.WithString("namespace",
				mcp.Description("Namespace the key lives in (optional)"),
			),
		),
		readMemoryHandler(svc, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 13))
}

func resultJSON(v any) *mcp.CallToolResult {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(formatted))
}

func createTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaID, err := req.RequireString("personaId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		item, err := svc.WorkItems.Create(ctx, workitem.CreateRequest{
			PersonaID:   personaID,
			AgentID:     req.GetString("agentId", ""),
			Description: description,
			Priority:    req.GetString("priority", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create task: %v", err)), nil
		}
		return resultJSON(map[string]any{
			"success": true,
			"taskId":  item.ID,
		}), nil
	}
}

func getNextTaskHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var item *v1.WorkItem
		if raw, ok := req.GetArguments()["timeoutMs"]; ok {
			ms, okNum := raw.(float64)
			if !okNum {
				return mcp.NewToolResultError("timeoutMs must be a number"), nil
			}
			item, err = svc.Dispatcher.GetNextTaskWait(ctx, agentID, time.Duration(ms)*time.Millisecond)
		} else {
			item, err = svc.Dispatcher.GetNextTask(ctx, agentID)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get next task: %v", err)), nil
		}
		return resultJSON(map[string]any{
			"success": true,
			"task":    item,
		}), nil
	}
}

func getTaskStatusHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		item, err := svc.WorkItems.Get(ctx, taskID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch task: %v", err)), nil
		}
		return resultJSON(item), nil
	}
}

func getTasksByStatusHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := v1.ParseWorkItemStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		items, err := svc.WorkItems.List(ctx, storage.WorkItemFilter{
			Statuses: []v1.WorkItemStatus{status},
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return resultJSON(items), nil
	}
}

func getTasksByAgentIDHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		items, err := svc.WorkItems.List(ctx, storage.WorkItemFilter{AgentID: agentID})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return resultJSON(items), nil
	}
}

func getTasksByAgentIDAndStatusHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		raw, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := v1.ParseWorkItemStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		items, err := svc.WorkItems.List(ctx, storage.WorkItemFilter{
			AgentID:  agentID,
			Statuses: []v1.WorkItemStatus{status},
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return resultJSON(items), nil
	}
}

func reportTaskCompletionHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := req.RequireString("result")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := svc.WorkItems.Complete(ctx, taskID, result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to complete task: %v", err)), nil
		}
		return resultJSON(map[string]any{"success": true}), nil
	}
}

func reportTaskFailureHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		errorMessage, err := req.RequireString("errorMessage")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := svc.WorkItems.Fail(ctx, taskID, errorMessage); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fail task: %v", err)), nil
		}
		return resultJSON(map[string]any{"success": true}), nil
	}
}

func listAgentsHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := svc.Agents.List(ctx, req.GetString("personaFilter", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}
		return resultJSON(agents), nil
	}
}

func launchAgentHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaID, err := req.RequireString("personaId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		launched, err := svc.Agents.Launch(ctx, agent.LaunchRequest{
			PersonaID:    personaID,
			Description:  description,
			WorktreeName: req.GetString("worktreeName", ""),
			Model:        req.GetString("model", ""),
			Yolo:         req.GetBool("yolo", false),
		}, func(ctx context.Context, agentID string) error {
			_, err := svc.WorkItems.Create(ctx, workitem.CreateRequest{
				PersonaID:   personaID,
				AgentID:     agentID,
				Description: description,
			})
			return err
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to launch agent: %v", err)), nil
		}
		return resultJSON(map[string]any{
			"success": true,
			"agentId": launched.ID,
		}), nil
	}
}

func killAgentHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agentId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		reclaimed, err := svc.Agents.Kill(ctx, agentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to kill agent: %v", err)), nil
		}
		return resultJSON(map[string]any{
			"success":       true,
			"reclaimedWork": reclaimed,
		}), nil
	}
}

func saveMemoryHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entry, err := svc.Memory.Save(ctx, memory.SaveRequest{
			Key:       key,
			Value:     value,
			Type:      req.GetString("type", ""),
			Metadata:  req.GetString("metadata", ""),
			Namespace: req.GetString("namespace", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to save memory: %v", err)), nil
		}
		return resultJSON(map[string]any{
			"success":   true,
			"key":       entry.Key,
			"namespace": entry.Namespace,
		}), nil
	}
}

func readMemoryHandler(svc Services, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		namespace := req.GetString("namespace", "")

		entry, err := svc.Memory.Read(ctx, key, namespace)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read memory: %v", err)), nil
		}
		if entry == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Memory not found: %s (namespace %q)", key, namespace)), nil
		}
		return resultJSON(entry), nil
	}
}
