// Package refdata implements the Reference Data Client (C1, spec §4.1):
// a read-through cache in front of the external REST provider (spec §6).
// Each collection is fetched once and kept for the process lifetime, with
// an explicit Invalidate the Supervisor may call. Grounded on
// savegress/iotsense/internal/devices/registry.go's mutex-guarded,
// lazily-populated map shape.
package refdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

// Kind names a cached collection, for selective Invalidate calls.
type Kind string

const (
	KindMachines          Kind = "machines"
	KindOrders            Kind = "orders"
	KindShifts            Kind = "shifts"
	KindPlannedDowntime   Kind = "plannedDowntime"
	KindUnplannedDowntime Kind = "unplannedDowntime"
	KindMicrostops        Kind = "microstops"
	KindAll               Kind = "all"
)

// Client is the read-through cache described by spec §4.1.
type Client struct {
	cfg        config.ReferenceData
	httpClient *http.Client

	mu sync.RWMutex

	machines          []models.Machine
	machinesLoaded    bool
	ordersByMachine    map[string]*models.ProcessOrder
	shiftsByMachine    map[string][]models.Shift
	plannedDowntime    []models.DowntimeRecord
	plannedLoaded      bool
	unplannedDowntime  []models.DowntimeRecord
	unplannedLoaded    bool
	microstops         []models.DowntimeRecord
	microstopsLoaded   bool
}

// New builds a Client against the configured base URL.
func New(cfg config.ReferenceData) *Client {
	return &Client{
		cfg:             cfg,
		httpClient:      &http.Client{Timeout: cfg.RequestTimeout},
		ordersByMachine: make(map[string]*models.ProcessOrder),
		shiftsByMachine: make(map[string][]models.Shift),
	}
}

// Invalidate drops the cache entries named by kind (or all of them).
func (c *Client) Invalidate(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case KindMachines:
		c.machinesLoaded = false
		c.machines = nil
	case KindOrders:
		c.ordersByMachine = make(map[string]*models.ProcessOrder)
	case KindShifts:
		c.shiftsByMachine = make(map[string][]models.Shift)
	case KindPlannedDowntime:
		c.plannedLoaded = false
		c.plannedDowntime = nil
	case KindUnplannedDowntime:
		c.unplannedLoaded = false
		c.unplannedDowntime = nil
	case KindMicrostops:
		c.microstopsLoaded = false
		c.microstops = nil
	case KindAll:
		c.machinesLoaded = false
		c.machines = nil
		c.ordersByMachine = make(map[string]*models.ProcessOrder)
		c.shiftsByMachine = make(map[string][]models.Shift)
		c.plannedLoaded = false
		c.plannedDowntime = nil
		c.unplannedLoaded = false
		c.unplannedDowntime = nil
		c.microstopsLoaded = false
		c.microstops = nil
	}
}

func (c *Client) get(path string, out any) error {
	reqURL, err := c.resolveURL(path)
	if err != nil {
		return &errs.SourceUnavailable{Source: path, Cause: err}
	}
	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return &errs.SourceUnavailable{Source: path, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errs.SourceUnavailable{Source: path, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errs.DecodeError{What: path, Cause: err}
	}
	return nil
}

// resolveURL joins the client's base URL with path, which may carry its own
// "?query" suffix; url.JoinPath alone would percent-encode that query
// string as if it were part of the path, so the query is split off and
// reattached via RawQuery.
func (c *Client) resolveURL(path string) (string, error) {
	p, query, hasQuery := strings.Cut(path, "?")
	u, err := url.JoinPath(c.cfg.BaseURL, p)
	if err != nil {
		return "", err
	}
	if hasQuery {
		u += "?" + query
	}
	return u, nil
}

// LoadMachines returns the full machine list, fetching once and caching.
func (c *Client) LoadMachines() ([]models.Machine, error) {
	c.mu.RLock()
	if c.machinesLoaded {
		defer c.mu.RUnlock()
		return c.machines, nil
	}
	c.mu.RUnlock()

	var machines []models.Machine
	if err := c.get("/machines", &machines); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.machines = machines
	c.machinesLoaded = true
	c.mu.Unlock()
	return machines, nil
}

// LoadActiveOrder returns the single released process order for machineId,
// if any (spec §4.1, §6: GET /processorders/rel?machineId=...&mark=true).
func (c *Client) LoadActiveOrder(machineID string) (*models.ProcessOrder, error) {
	c.mu.RLock()
	if order, ok := c.ordersByMachine[machineID]; ok {
		defer c.mu.RUnlock()
		return order, nil
	}
	c.mu.RUnlock()

	var orders []models.ProcessOrder
	path := fmt.Sprintf("/processorders/rel?machineId=%s&mark=true", url.QueryEscape(machineID))
	if err := c.get(path, &orders); err != nil {
		return nil, err
	}

	var order *models.ProcessOrder
	if len(orders) > 0 {
		order = &orders[0]
	}

	c.mu.Lock()
	c.ordersByMachine[machineID] = order
	c.mu.Unlock()
	return order, nil
}

// LoadShiftModels returns the ordered shift set for machineID.
func (c *Client) LoadShiftModels(machineID string) ([]models.Shift, error) {
	c.mu.RLock()
	if shifts, ok := c.shiftsByMachine[machineID]; ok {
		defer c.mu.RUnlock()
		return shifts, nil
	}
	c.mu.RUnlock()

	var shifts []models.Shift
	path := fmt.Sprintf("/shiftmodels/machine/%s", url.PathEscape(machineID))
	if err := c.get(path, &shifts); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.shiftsByMachine[machineID] = shifts
	c.mu.Unlock()
	return shifts, nil
}

// LoadPlannedDowntime returns all planned downtime records.
func (c *Client) LoadPlannedDowntime() ([]models.DowntimeRecord, error) {
	c.mu.RLock()
	if c.plannedLoaded {
		defer c.mu.RUnlock()
		return c.plannedDowntime, nil
	}
	c.mu.RUnlock()

	path := "/planneddowntime"
	if c.cfg.PlannedDowntimeAPIURL != "" {
		path = c.cfg.PlannedDowntimeAPIURL
	}
	var records []models.DowntimeRecord
	if err := c.get(path, &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Kind = models.KindPlanned
	}

	c.mu.Lock()
	c.plannedDowntime = records
	c.plannedLoaded = true
	c.mu.Unlock()
	return records, nil
}

// LoadUnplannedDowntime returns all unplanned downtime records.
func (c *Client) LoadUnplannedDowntime() ([]models.DowntimeRecord, error) {
	c.mu.RLock()
	if c.unplannedLoaded {
		defer c.mu.RUnlock()
		return c.unplannedDowntime, nil
	}
	c.mu.RUnlock()

	var records []models.DowntimeRecord
	if err := c.get("/unplanneddowntime", &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Kind = models.KindUnplanned
	}

	c.mu.Lock()
	c.unplannedDowntime = records
	c.unplannedLoaded = true
	c.mu.Unlock()
	return records, nil
}

// LoadMicrostops returns all micro-stop records.
func (c *Client) LoadMicrostops() ([]models.DowntimeRecord, error) {
	c.mu.RLock()
	if c.microstopsLoaded {
		defer c.mu.RUnlock()
		return c.microstops, nil
	}
	c.mu.RUnlock()

	var records []models.DowntimeRecord
	if err := c.get("/microstops", &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Kind = models.KindMicrostop
	}

	c.mu.Lock()
	c.microstops = records
	c.microstopsLoaded = true
	c.mu.Unlock()
	return records, nil
}

// AppendUnplannedDowntime is the only write the core performs on reference
// data (spec §4.1, §4.3): it posts a new unplanned-downtime record and
// appends it to the local cache on success.
func (c *Client) AppendUnplannedDowntime(record models.DowntimeRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return &errs.DecodeError{What: "unplanneddowntime request", Cause: err}
	}

	u, err := url.JoinPath(c.cfg.BaseURL, "/unplanneddowntime")
	if err != nil {
		return &errs.SourceUnavailable{Source: "unplanneddowntime", Cause: err}
	}

	resp, err := c.httpClient.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return &errs.SourceUnavailable{Source: "unplanneddowntime", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &errs.SourceUnavailable{Source: "unplanneddowntime", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	c.mu.Lock()
	if c.unplannedLoaded {
		record.Kind = models.KindUnplanned
		c.unplannedDowntime = append(c.unplannedDowntime, record)
	}
	c.mu.Unlock()
	return nil
}

// ResolveMachineIDByLineCode resolves a Sparkplug lineCode segment to a
// machine ID using the cached machine list (spec §4.1).
func (c *Client) ResolveMachineIDByLineCode(lineCode string) (string, bool, error) {
	machines, err := c.LoadMachines()
	if err != nil {
		return "", false, err
	}
	for _, m := range machines {
		if m.LineCode == lineCode {
			return m.MachineID, true, nil
		}
	}
	return "", false, nil
}
