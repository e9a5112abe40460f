package exposure

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

// CompromiseKey identifies which positions of a circuit the adversary held.
type CompromiseKey struct {
	Guard  bool
	Middle bool
	Exit   bool
}

// Compromised reports whether any position is adversary-controlled.
func (k CompromiseKey) Compromised() bool {
	return k.Guard || k.Middle || k.Exit
}

func (k CompromiseKey) String() string {
	if !k.Compromised() {
		return "none"
	}
	parts := make([]string, 0, 3)
	if k.Guard {
		parts = append(parts, "guard")
	}
	if k.Middle {
		parts = append(parts, "middle")
	}
	if k.Exit {
		parts = append(parts, "exit")
	}
	return strings.Join(parts, "+")
}

// positionOrder fixes how position combinations are listed in rendered
// reports.
var positionOrder = []CompromiseKey{
	{Guard: true},
	{Middle: true},
	{Exit: true},
	{Guard: true, Middle: true},
	{Guard: true, Exit: true},
	{Middle: true, Exit: true},
	{Guard: true, Middle: true, Exit: true},
}

// CircuitStats counts unique circuits by their relay tuple.
type CircuitStats struct {
	Unique      uint64
	Compromised uint64
	ByPosition  map[CompromiseKey]uint64
}

// ClientStats counts clients by the compromised circuits attributed to them.
// A circuit tuple shared by several clients is attributed to the one that
// built it first; record order in the file does not matter.
type ClientStats struct {
	Observed      uint64
	Compromised   uint64
	ByPosition    map[CompromiseKey]uint64
	MultiExposure uint64
}

// RelayUsage counts the distinct relay tokens the trace exercised per
// position.
type RelayUsage struct {
	Guards     uint64
	AdvGuards  uint64
	Middles    uint64
	AdvMiddles uint64
	Exits      uint64
	AdvExits   uint64
}

// LoadStats aggregates the traffic volume of the trace.
type LoadStats struct {
	Circuits      uint64
	Streams       uint64
	CellsSent     uint64
	CellsReceived uint64
	PortStreams   map[uint16]uint64
}

// Report is the full analysis of one ingested trace.
type Report struct {
	Circuits CircuitStats
	Clients  ClientStats
	Relays   RelayUsage
	Load     LoadStats
}

// Each distinct relay tuple counts once; the flags are functions of the
// tokens, so adding them to the DISTINCT does not change cardinality.
const qCircuitsByPosition = `
SELECT guard_comp, middle_comp, exit_comp, COUNT(*)
FROM (
	SELECT DISTINCT guard, middle, exit, guard_comp, middle_comp, exit_comp
	FROM records
)
GROUP BY guard_comp, middle_comp, exit_comp`

// A compromised tuple is attributed to the client with its earliest record;
// ties break on client then circuit so the result is stable for any row
// order.
const qClientExposures = `
WITH ranked AS (
	SELECT client_id, guard_comp, middle_comp, exit_comp,
	       ROW_NUMBER() OVER (
	               PARTITION BY guard, middle, exit
	               ORDER BY at, client_id, circuit
	       ) AS pos
	FROM records
	WHERE guard_comp + middle_comp + exit_comp > 0
)
SELECT DISTINCT client_id, guard_comp, middle_comp, exit_comp
FROM ranked
WHERE pos = 1`

const qObservedClients = `SELECT COUNT(DISTINCT client_id) FROM records`

const qRelayUsage = `
SELECT
	(SELECT COUNT(DISTINCT guard)  FROM records),
	(SELECT COUNT(DISTINCT guard)  FROM records WHERE guard_comp = 1),
	(SELECT COUNT(DISTINCT middle) FROM records),
	(SELECT COUNT(DISTINCT middle) FROM records WHERE middle_comp = 1),
	(SELECT COUNT(DISTINCT exit)   FROM records),
	(SELECT COUNT(DISTINCT exit)   FROM records WHERE exit_comp = 1)`

const qLoad = `
SELECT
	COUNT(*) FILTER (WHERE kind = 'circuit'),
	COUNT(*) FILTER (WHERE kind = 'stream'),
	COALESCE(SUM(cells_out), 0),
	COALESCE(SUM(cells_in), 0)
FROM records`

const qPortStreams = `
SELECT port, COUNT(*)
FROM records
WHERE kind = 'stream'
GROUP BY port`

// Report analyzes everything ingested so far.
func (s *Store) Report(ctx context.Context) (*Report, error) {
	r := &Report{
		Circuits: CircuitStats{ByPosition: make(map[CompromiseKey]uint64)},
		Clients:  ClientStats{ByPosition: make(map[CompromiseKey]uint64)},
		Load:     LoadStats{PortStreams: make(map[uint16]uint64)},
	}

	if err := s.circuitStats(ctx, r); err != nil {
		return nil, fmt.Errorf("circuit stats: %w", err)
	}
	if err := s.clientStats(ctx, r); err != nil {
		return nil, fmt.Errorf("client stats: %w", err)
	}
	if err := s.relayUsage(ctx, r); err != nil {
		return nil, fmt.Errorf("relay usage: %w", err)
	}
	if err := s.loadStats(ctx, r); err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return r, nil
}

func (s *Store) circuitStats(ctx context.Context, r *Report) error {
	rows, err := s.db.QueryContext(ctx, qCircuitsByPosition)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key CompromiseKey
		var count uint64
		if err := rows.Scan(&key.Guard, &key.Middle, &key.Exit, &count); err != nil {
			return err
		}
		r.Circuits.Unique += count
		if key.Compromised() {
			r.Circuits.Compromised += count
			r.Circuits.ByPosition[key] = count
		}
	}
	return rows.Err()
}

func (s *Store) clientStats(ctx context.Context, r *Report) error {
	if err := s.db.QueryRowContext(ctx, qObservedClients).Scan(&r.Clients.Observed); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, qClientExposures)
	if err != nil {
		return err
	}
	defer rows.Close()

	exposures := make(map[uint64]int)
	for rows.Next() {
		var client uint64
		var key CompromiseKey
		if err := rows.Scan(&client, &key.Guard, &key.Middle, &key.Exit); err != nil {
			return err
		}
		exposures[client]++
		r.Clients.ByPosition[key]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.Clients.Compromised = uint64(len(exposures))
	for _, kinds := range exposures {
		if kinds > 1 {
			r.Clients.MultiExposure++
		}
	}
	return nil
}

func (s *Store) relayUsage(ctx context.Context, r *Report) error {
	return s.db.QueryRowContext(ctx, qRelayUsage).Scan(
		&r.Relays.Guards, &r.Relays.AdvGuards,
		&r.Relays.Middles, &r.Relays.AdvMiddles,
		&r.Relays.Exits, &r.Relays.AdvExits,
	)
}

func (s *Store) loadStats(ctx context.Context, r *Report) error {
	err := s.db.QueryRowContext(ctx, qLoad).Scan(
		&r.Load.Circuits, &r.Load.Streams,
		&r.Load.CellsSent, &r.Load.CellsReceived,
	)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, qPortStreams)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var port uint16
		var count uint64
		if err := rows.Scan(&port, &count); err != nil {
			return err
		}
		r.Load.PortStreams[port] = count
	}
	return rows.Err()
}

// Log emits the report headline.
func (r *Report) Log(ctx context.Context, log logging.Logger) {
	log.Info(ctx, "trace analyzed",
		logging.Uint64("unique_circuits", r.Circuits.Unique),
		logging.Uint64("compromised_circuits", r.Circuits.Compromised),
		logging.Uint64("clients_observed", r.Clients.Observed),
		logging.Uint64("clients_compromised", r.Clients.Compromised),
		logging.Uint64("streams", r.Load.Streams),
	)
	for _, key := range positionOrder {
		circuits := r.Circuits.ByPosition[key]
		clients := r.Clients.ByPosition[key]
		if circuits == 0 && clients == 0 {
			continue
		}
		log.Debug(ctx, "compromise position",
			logging.String("position", key.String()),
			logging.Uint64("circuits", circuits),
			logging.Uint64("clients", clients),
		)
	}
}

// WriteTo renders the human-readable report.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.render())
	return int64(n), err
}

func pct(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}

func (r *Report) render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "CIRCUIT STATISTICS\n")
	fmt.Fprintf(&b, "==================\n")
	fmt.Fprintf(&b, "Unique circuits: %d\n", r.Circuits.Unique)
	fmt.Fprintf(&b, "Compromised circuits: %d (%.2f%%)\n",
		r.Circuits.Compromised, pct(r.Circuits.Compromised, r.Circuits.Unique))
	if r.Circuits.Compromised > 0 {
		fmt.Fprintf(&b, "\nCompromised circuit breakdown:\n")
		for _, key := range positionOrder {
			count := r.Circuits.ByPosition[key]
			if count == 0 {
				continue
			}
			fmt.Fprintf(&b, " - %s: %d circuits (%.2f%%)\n",
				key, count, pct(count, r.Circuits.Compromised))
		}
	}

	fmt.Fprintf(&b, "\nCLIENT STATISTICS\n")
	fmt.Fprintf(&b, "=================\n")
	fmt.Fprintf(&b, "Clients observed: %d\n", r.Clients.Observed)
	fmt.Fprintf(&b, "Clients on compromised circuits: %d (%.2f%%)\n",
		r.Clients.Compromised, pct(r.Clients.Compromised, r.Clients.Observed))
	if r.Clients.Compromised > 0 {
		fmt.Fprintf(&b, "\nCompromise positions seen by clients:\n")
		for _, key := range positionOrder {
			count := r.Clients.ByPosition[key]
			if count == 0 {
				continue
			}
			fmt.Fprintf(&b, " - %s: %d clients (%.2f%%)\n",
				key, count, pct(count, r.Clients.Observed))
		}
		fmt.Fprintf(&b, "Clients exposed at multiple positions: %d (%.2f%%)\n",
			r.Clients.MultiExposure, pct(r.Clients.MultiExposure, r.Clients.Compromised))
	}

	fmt.Fprintf(&b, "\nRELAY USAGE\n")
	fmt.Fprintf(&b, "===========\n")
	fmt.Fprintf(&b, "Guards observed: %d (%d adversary)\n", r.Relays.Guards, r.Relays.AdvGuards)
	fmt.Fprintf(&b, "Middles observed: %d (%d adversary)\n", r.Relays.Middles, r.Relays.AdvMiddles)
	fmt.Fprintf(&b, "Exits observed: %d (%d adversary)\n", r.Relays.Exits, r.Relays.AdvExits)

	fmt.Fprintf(&b, "\nTRAFFIC LOAD\n")
	fmt.Fprintf(&b, "============\n")
	fmt.Fprintf(&b, "Circuits: %d\n", r.Load.Circuits)
	fmt.Fprintf(&b, "Streams: %d\n", r.Load.Streams)
	fmt.Fprintf(&b, "Cells sent: %d\n", r.Load.CellsSent)
	fmt.Fprintf(&b, "Cells received: %d\n", r.Load.CellsReceived)
	if len(r.Load.PortStreams) > 0 {
		ports := make([]int, 0, len(r.Load.PortStreams))
		for port := range r.Load.PortStreams {
			ports = append(ports, int(port))
		}
		sort.Ints(ports)
		fmt.Fprintf(&b, "Streams by port:\n")
		for _, port := range ports {
			fmt.Fprintf(&b, " - %d: %d\n", port, r.Load.PortStreams[uint16(port)])
		}
	}

	return b.String()
}
