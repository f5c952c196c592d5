package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/bus"
	agenterrors "github.com/agentmesh/agentmesh/errors"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/metrics"
	"github.com/agentmesh/agentmesh/registry"
)

// Common errors.
var (
	ErrAlreadyStarted    = errors.New("coordinator already started")
	ErrNotStarted        = errors.New("coordinator not started")
	ErrNilRegistry       = errors.New("registry is required")
	ErrNilBus            = errors.New("message bus is required")
	ErrNoSteps           = errors.New("workflow has no steps")
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrDuplicateWorkflow = errors.New("workflow id already active")
)

// Defaults for Config fields left at their zero value.
const (
	DefaultRetention       = 60 * time.Second
	DefaultJanitorInterval = 5 * time.Second
)

// Config holds coordinator configuration.
type Config struct {
	// Registry is consulted for every assignment decision. Required.
	Registry *registry.Registry

	// Bus carries task traffic between the coordinator and workers.
	// Required.
	Bus bus.MessageBus

	// ID is this coordinator's address on the bus. Workers send their
	// responses to it. Defaults to a generated id.
	ID string

	// Retention is how long a finished workflow still answers status
	// queries before being discarded.
	Retention time.Duration

	// JanitorInterval is how often expired retained workflows are swept.
	JanitorInterval time.Duration

	// Logger receives coordinator log output. Defaults to a silent logger.
	Logger *logging.Logger

	// Metrics receives workflow counters. Defaults to a private registry.
	Metrics *metrics.Registry
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return ErrNilRegistry
	}
	if c.Bus == nil {
		return ErrNilBus
	}
	if c.ID == "" {
		c.ID = "coordinator-" + uuid.NewString()[:8]
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	return nil
}

// retiredWorkflow is a finished workflow kept around for late status queries.
type retiredWorkflow struct {
	snap      *Snapshot
	expiresAt time.Time
}

// Coordinator maps declarative workflow steps onto registered agents,
// dispatches task messages over the bus, and folds the agents' responses
// into per-assignment and per-workflow state.
//
// The coordinator owns its workflow contexts exclusively and only reads
// registry state; it never mutates registrations.
type Coordinator struct {
	cfg Config
	reg *registry.Registry
	bus bus.MessageBus
	id  string
	log *logging.Logger
	met *metrics.Registry

	mu      sync.RWMutex
	active  map[string]*workflowContext
	retired map[string]*retiredWorkflow

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator from the configuration.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:     cfg,
		reg:     cfg.Registry,
		bus:     cfg.Bus,
		id:      cfg.ID,
		log:     cfg.Logger.WithComponent("coordinator"),
		met:     cfg.Metrics,
		active:  make(map[string]*workflowContext),
		retired: make(map[string]*retiredWorkflow),
	}, nil
}

// ID returns the coordinator's bus address.
func (c *Coordinator) ID() string {
	return c.id
}

// Start subscribes to worker traffic on the bus and launches the retention
// janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, c.cancel = context.WithCancel(ctx)

	_, err := c.bus.Subscribe(c.id, c.inboundFilter(), c.handleMessage)
	if err != nil {
		c.cancel()
		c.running.Store(false)
		return agenterrors.Wrap(err, "coordinator: subscribe")
	}

	c.wg.Add(1)
	go c.janitor(ctx)

	c.log.Info("coordinator started", map[string]interface{}{
		"coordinator_id": c.id,
		"retention":      c.cfg.Retention.String(),
	})
	return nil
}

// Stop unsubscribes from the bus and halts the janitor. Active workflows
// are left in place; a restarted coordinator does not resume them.
func (c *Coordinator) Stop() error {
	if !c.running.Swap(false) {
		return ErrNotStarted
	}
	if err := c.bus.Unsubscribe(c.id, c.inboundFilter()); err != nil && !errors.Is(err, bus.ErrNoSubscription) {
		c.log.Warn("unsubscribe failed on stop", map[string]interface{}{"error": err})
	}
	c.cancel()
	c.wg.Wait()

	c.log.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) inboundFilter() bus.Filter {
	return bus.Filter{
		Types:       []bus.MessageType{bus.TypeTaskResponse, bus.TypeStatusUpdate},
		RecipientID: c.id,
	}
}

// ExecuteWorkflow creates a workflow execution, assigns every step to the
// best matching agent, and dispatches task messages. It returns the workflow
// id once dispatch is done; completion is tracked asynchronously through
// response messages.
//
// A step with no capable agent is recorded as unassigned rather than
// aborting the workflow, and a failed dispatch fails only that assignment.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, def WorkflowDefinition) (string, error) {
	defer func(start time.Time) {
		c.met.Timer("op_execute_workflow").Observe(time.Since(start))
	}(time.Now())

	if err := validateDefinition(def); err != nil {
		return "", agenterrors.InvalidInput(err.Error())
	}

	wfID := def.ID
	if wfID == "" {
		wfID = uuid.NewString()
	}

	wfc := &workflowContext{
		id:        wfID,
		def:       def,
		status:    StatusPending,
		createdAt: time.Now(),
	}
	for _, step := range def.Steps {
		wfc.assignments = append(wfc.assignments, c.assignStep(step))
	}
	wfc.status = StatusAssigned

	c.mu.Lock()
	if _, exists := c.active[wfID]; exists {
		c.mu.Unlock()
		return "", agenterrors.InvalidInput(ErrDuplicateWorkflow.Error(), agenterrors.WithWorkflowID(wfID))
	}
	// Publish before dispatching so a fast response cannot arrive for an
	// unknown workflow.
	wfc.status = StatusRunning
	c.active[wfID] = wfc
	c.mu.Unlock()

	c.met.Counter("workflows_started").Inc()
	c.log.Info("workflow started", map[string]interface{}{
		"workflow_id": wfID,
		"steps":       len(def.Steps),
	})

	for i, step := range def.Steps {
		c.dispatchStep(ctx, wfc, i, step)
	}

	c.mu.Lock()
	c.finalizeLocked(wfc)
	c.mu.Unlock()

	return wfID, nil
}

func validateDefinition(def WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return errors.New("step id must not be empty")
		}
		if _, dup := seen[step.ID]; dup {
			return ErrDuplicateStep
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// assignStep picks an agent for one step. Exact matches (agent holds every
// required capability) win; otherwise any active agent holding at least one
// required capability is a partial match; otherwise the step is unassigned.
// Candidate ids come back sorted ascending, so the choice is deterministic.
func (c *Coordinator) assignStep(step Step) *Assignment {
	a := &Assignment{
		StepID:     step.ID,
		AssignedAt: time.Now(),
	}

	if ids := c.reg.FindAgents(agent.Criteria{
		Capabilities: step.Requires,
		Status:       requiredStatus,
	}); len(ids) > 0 {
		a.AgentID = ids[0]
		a.Match = MatchExact
		a.Status = AssignmentAssigned
		return a
	}

	if id, ok := c.partialMatch(step.Requires); ok {
		a.AgentID = id
		a.Match = MatchPartial
		a.Status = AssignmentAssigned
		return a
	}

	a.Match = MatchNone
	a.Status = AssignmentUnassigned
	c.log.Warn("no capable agent for step", map[string]interface{}{
		"step_id":  step.ID,
		"requires": step.Requires,
	})
	return a
}

// partialMatch returns the first active agent holding at least one of the
// required capabilities.
func (c *Coordinator) partialMatch(requires []string) (string, bool) {
	union := make(map[string]struct{})
	for _, capability := range requires {
		for _, id := range c.reg.FindAgents(agent.Criteria{
			Capabilities: []string{capability},
			Status:       requiredStatus,
		}) {
			union[id] = struct{}{}
		}
	}
	if len(union) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], true
}

// dispatchStep sends the task request for one assigned step and records the
// outcome on the assignment.
func (c *Coordinator) dispatchStep(ctx context.Context, wfc *workflowContext, idx int, step Step) {
	c.mu.RLock()
	a := wfc.assignments[idx]
	agentID := a.AgentID
	skip := a.Status != AssignmentAssigned
	c.mu.RUnlock()
	if skip {
		return
	}

	msg := bus.NewMessage(bus.TypeTaskRequest, c.id, agentID)
	msg.Content["workflow_id"] = wfc.id
	msg.Content["step_id"] = step.ID
	msg.Content["step_definition"] = stepDefinitionContent(step)

	err := c.bus.Send(ctx, msg, bus.PriorityNormal)

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.Status.Terminal() {
		// A synchronous bus already delivered the response.
		return
	}
	if err != nil {
		a.Status = AssignmentFailed
		a.Error = agenterrors.DispatchFailure(agentID, err, agenterrors.WithWorkflowID(wfc.id)).Error()
		a.CompletedAt = &now
		c.met.Counter("dispatch_failures").Inc()
		c.log.Warn("task dispatch failed", map[string]interface{}{
			"workflow_id": wfc.id,
			"step_id":     step.ID,
			"agent_id":    agentID,
			"error":       err,
		})
		return
	}
	if a.Status == AssignmentAssigned {
		// A synchronous bus may have already advanced it to running.
		a.Status = AssignmentSent
	}
	a.DispatchedAt = &now
}

// CancelWorkflow cancels an active workflow. The coordinator's bookkeeping
// is updated immediately; dispatched assignments receive a best-effort
// Control cancellation message that may or may not stop the remote worker.
// It reports false when the id is not in the active set.
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID string) bool {
	c.mu.Lock()
	wfc, ok := c.active[workflowID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.active, workflowID)

	now := time.Now()
	wfc.status = StatusCancelled
	wfc.completedAt = &now

	type target struct{ agentID, stepID string }
	var targets []target
	for _, a := range wfc.assignments {
		switch a.Status {
		case AssignmentAssigned, AssignmentSent, AssignmentRunning:
			targets = append(targets, target{a.AgentID, a.StepID})
		}
	}
	c.retired[workflowID] = &retiredWorkflow{
		snap:      wfc.snapshot(),
		expiresAt: now.Add(c.cfg.Retention),
	}
	c.mu.Unlock()

	for _, t := range targets {
		msg := bus.NewMessage(bus.TypeControl, c.id, t.agentID)
		msg.Content["action"] = "cancel"
		msg.Content["workflow_id"] = workflowID
		msg.Content["step_id"] = t.stepID
		if err := c.bus.Send(ctx, msg, bus.PriorityHigh); err != nil {
			c.log.Warn("cancel notification failed", map[string]interface{}{
				"workflow_id": workflowID,
				"agent_id":    t.agentID,
				"error":       err,
			})
		}
	}

	c.met.Counter("workflows_cancelled").Inc()
	c.log.Info("workflow cancelled", map[string]interface{}{"workflow_id": workflowID})
	return true
}

// WorkflowStatus returns a snapshot of a workflow's state. Finished
// workflows keep answering until their retention window passes; after that,
// and for ids never seen, it reports false.
func (c *Coordinator) WorkflowStatus(workflowID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if wfc, ok := c.active[workflowID]; ok {
		return wfc.snapshot(), true
	}
	if ret, ok := c.retired[workflowID]; ok && time.Now().Before(ret.expiresAt) {
		return ret.snap, true
	}
	return nil, false
}

// ActiveWorkflows returns the ids of workflows not yet finished, sorted
// ascending.
func (c *Coordinator) ActiveWorkflows() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// handleMessage folds one inbound bus message into workflow state.
func (c *Coordinator) handleMessage(msg *bus.Message) {
	workflowID := msg.ContentString("workflow_id")
	stepID := msg.ContentString("step_id")
	if workflowID == "" || stepID == "" {
		c.log.Debug("ignoring message without workflow routing", map[string]interface{}{
			"message_id": msg.MessageID,
			"type":       string(msg.Type),
		})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wfc, ok := c.active[workflowID]
	if !ok {
		// Late response for a finished or cancelled workflow.
		return
	}
	a := wfc.findAssignment(stepID, msg.SenderID)
	if a == nil {
		return
	}

	now := time.Now()
	switch msg.Type {
	case bus.TypeStatusUpdate:
		if a.Status == AssignmentSent || a.Status == AssignmentAssigned {
			a.Status = AssignmentRunning
			a.StartedAt = &now
		}

	case bus.TypeTaskResponse:
		success, _ := msg.Content["success"].(bool)
		if success {
			a.Status = AssignmentCompleted
			a.Result = msg.Content["result"]
		} else {
			a.Status = AssignmentFailed
			a.Error = msg.ContentString("error")
		}
		a.CompletedAt = &now
		c.finalizeLocked(wfc)
	}
}

// finalizeLocked retires the workflow once every assignment is terminal.
// Caller holds c.mu.
func (c *Coordinator) finalizeLocked(wfc *workflowContext) {
	if wfc.status.Terminal() || !wfc.allTerminal() {
		return
	}

	now := time.Now()
	wfc.status = wfc.outcome()
	wfc.completedAt = &now

	delete(c.active, wfc.id)
	c.retired[wfc.id] = &retiredWorkflow{
		snap:      wfc.snapshot(),
		expiresAt: now.Add(c.cfg.Retention),
	}

	if wfc.status == StatusCompleted {
		c.met.Counter("workflows_completed").Inc()
	} else {
		c.met.Counter("workflows_failed").Inc()
	}
	c.log.Info("workflow finished", map[string]interface{}{
		"workflow_id": wfc.id,
		"status":      string(wfc.status),
	})
}

// janitor discards retained workflows past their retention window.
func (c *Coordinator) janitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepRetired(time.Now())
		}
	}
}

func (c *Coordinator) sweepRetired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ret := range c.retired {
		if !now.Before(ret.expiresAt) {
			delete(c.retired, id)
		}
	}
}
