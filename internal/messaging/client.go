// Package messaging connects the BMS to the other vehicle services over
// redis-ipc.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/bms"
	redis_ipc "github.com/rescoot/redis-ipc"
)

const (
	// RequestList receives mode requests: standby, normal, charge
	RequestList = "bms:request"

	StateKey     = "bms"
	BalancingKey = "bms:balancing"
	IMDKey       = "imd"
	IMDCommands  = "scooter:imd"
)

// command is one entry of a redis-ipc transaction group
type command struct {
	name string
	args []interface{}
}

// Client publishes BMS state and relays requests between the BMS and the
// other services.
type Client struct {
	ipc    *redis_ipc.Client
	logger *log.Logger
	commit func(group string, cmds []command) error

	// writes issued from the control loop, executed by Run
	jobs chan func()

	mu        sync.Mutex
	imdState  string
	balancing *bool
	last      map[string]string
}

// New creates a new messaging client on an established redis-ipc connection
func New(ipc *redis_ipc.Client, logger *log.Logger) *Client {
	c := &Client{
		ipc:    ipc,
		logger: logger,
		jobs:   make(chan func(), 16),
	}
	c.commit = c.commitTx
	return c
}

func (c *Client) commitTx(group string, cmds []command) error {
	tx := c.ipc.NewTxGroup(group)
	for _, cmd := range cmds {
		tx.Add(cmd.name, cmd.args...)
	}
	_, err := tx.Exec()
	return err
}

// Run executes queued writes until ctx is done
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			job()
		}
	}
}

// Start registers the request handlers and reads the initial IMD state
func (c *Client) Start(onModeRequest func(request string)) error {
	c.ipc.HandleRequests(RequestList, func(data []byte) error {
		onModeRequest(strings.TrimSpace(string(data)))
		return nil
	})

	imdSubscriber := c.ipc.Subscribe(IMDKey)
	if err := imdSubscriber.Handle("state", c.onIMDState); err != nil {
		return fmt.Errorf("failed to subscribe to imd state: %w", err)
	}

	if state, err := c.ipc.HGet(IMDKey, "state"); err == nil {
		c.setIMDState(state)
	} else {
		c.logger.Printf("IMD state not available yet: %v", err)
	}
	return nil
}

func (c *Client) onIMDState(data []byte) error {
	state, err := c.ipc.HGet(IMDKey, "state")
	if err != nil {
		return fmt.Errorf("failed to get imd state: %w", err)
	}
	c.setIMDState(state)
	return nil
}

func (c *Client) setIMDState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state != c.imdState {
		c.logger.Printf("IMD state: %s", state)
	}
	c.imdState = state
}

// RequestMeasurement asks the insulation monitor for a measurement. It
// returns bms.ErrIllegalRequest until the IMD reports ready.
func (c *Client) RequestMeasurement() error {
	c.mu.Lock()
	state := c.imdState
	c.mu.Unlock()

	if state != "ready" {
		return bms.ErrIllegalRequest
	}

	if _, err := c.ipc.LPush(IMDCommands, "measure"); err != nil {
		return fmt.Errorf("failed to request insulation measurement: %w", err)
	}
	c.logger.Printf("Requested insulation measurement")
	return nil
}

// SetBalancingPermitted queues the cell balancing permission for Run. It
// never blocks the caller.
func (c *Client) SetBalancingPermitted(permitted bool) {
	select {
	case c.jobs <- func() { c.publishBalancing(permitted) }:
	default:
		c.logger.Printf("Messaging queue full, dropping balancing permission %v", permitted)
	}
}

// publishBalancing writes the permission unless Redis already holds it. The
// cached value only changes on a successful write, so a failed write is
// repeated by the next call.
func (c *Client) publishBalancing(permitted bool) {
	c.mu.Lock()
	unchanged := c.balancing != nil && *c.balancing == permitted
	c.mu.Unlock()
	if unchanged {
		return
	}

	err := c.commit("balancing", []command{
		{"HSET", []interface{}{BalancingKey, "permitted", strconv.FormatBool(permitted)}},
		{"PUBLISH", []interface{}{BalancingKey, "permitted"}},
	})
	if err != nil {
		c.logger.Printf("Failed to publish balancing permission: %v", err)
		return
	}

	c.mu.Lock()
	c.balancing = &permitted
	c.mu.Unlock()
	c.logger.Printf("Cell balancing permitted: %v", permitted)
}

// StateFields renders the published fields of the bms hash
func StateFields(st bms.Status, request string) map[string]string {
	return map[string]string{
		"state":               st.State.String(),
		"substate":            st.Substate.String(),
		"can-state":           st.CANState(),
		"flow":                st.CurrentFlow.String(),
		"closed-strings":      stringList(st.ClosedStrings),
		"deactivated-strings": stringList(st.DeactivatedStrings),
		"request":             request,
	}
}

func stringList(set [battery.NumStrings]bool) string {
	var parts []string
	for s, v := range set {
		if v {
			parts = append(parts, strconv.Itoa(s))
		}
	}
	return strings.Join(parts, ",")
}

// PublishState writes the changed fields of the bms hash and notifies
// subscribers. force republishes all fields.
func (c *Client) PublishState(st bms.Status, request string, force bool) error {
	fields := StateFields(st, request)

	c.mu.Lock()
	var changed []string
	for k, v := range fields {
		if force || c.last[k] != v {
			changed = append(changed, k)
		}
	}
	c.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)

	cmds := make([]command, 0, 2*len(changed))
	for _, k := range changed {
		cmds = append(cmds, command{"HSET", []interface{}{StateKey, k, fields[k]}})
	}
	for _, k := range changed {
		cmds = append(cmds, command{"PUBLISH", []interface{}{StateKey, k}})
	}
	if err := c.commit("bms-state", cmds); err != nil {
		return fmt.Errorf("failed to publish bms state: %w", err)
	}

	c.mu.Lock()
	c.last = fields
	c.mu.Unlock()
	return nil
}

// PublishRequest mirrors the arbitrated mode request
func (c *Client) PublishRequest(request string) error {
	err := c.commit("bms-request", []command{
		{"HSET", []interface{}{StateKey, "request", request}},
		{"PUBLISH", []interface{}{StateKey, "request"}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish bms request: %w", err)
	}
	return nil
}
