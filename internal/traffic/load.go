package traffic

import (
	"encoding/json"
	"fmt"
	"os"
)

// internal JSON shapes – kept unexported so the file format can evolve
// independently of the sampling API.
type streamModelJSON struct {
	StreamsPerCircuit []countWeightJSON `json:"streams_per_circuit"`
	PortWeights       []portWeightJSON  `json:"port_weights"`
	InterStreamSecs   float64           `json:"inter_stream_seconds"`
}

type countWeightJSON struct {
	Count  int     `json:"count"`
	Weight float64 `json:"weight"`
}

type portWeightJSON struct {
	Port   uint16  `json:"port"`
	Weight float64 `json:"weight"`
}

type packetModelJSON struct {
	CellsOutLogNormMu    float64 `json:"cells_out_lognorm_mu"`
	CellsOutLogNormSigma float64 `json:"cells_out_lognorm_sigma"`
	CellsInMultiplierMin float64 `json:"cells_in_multiplier_min"`
	CellsInMultiplierMax float64 `json:"cells_in_multiplier_max"`
}

// LoadStreamModel reads stream parameters from a JSON file. An empty path
// returns the built-in defaults for the given target ports.
func LoadStreamModel(path string, targetPorts []uint16) (*StreamModel, error) {
	if path == "" {
		return DefaultStreamModel(targetPorts), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStreamModel: %w", err)
	}
	var payload streamModelJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("LoadStreamModel: decode %s: %w", path, err)
	}

	m := &StreamModel{interStreamMean: payload.InterStreamSecs}
	for _, c := range payload.StreamsPerCircuit {
		m.counts = append(m.counts, countWeight{Count: c.Count, Weight: c.Weight})
	}
	for _, p := range payload.PortWeights {
		m.ports = append(m.ports, portWeight{Port: p.Port, Weight: p.Weight})
	}
	m.finalize()
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("LoadStreamModel: %s: %w", path, err)
	}
	return m, nil
}

// LoadPacketModel reads packet parameters from a JSON file. An empty path
// returns the built-in defaults.
func LoadPacketModel(path string) (*PacketModel, error) {
	if path == "" {
		return DefaultPacketModel(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPacketModel: %w", err)
	}
	var payload packetModelJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("LoadPacketModel: decode %s: %w", path, err)
	}

	m := &PacketModel{
		cellsOutMu:    payload.CellsOutLogNormMu,
		cellsOutSigma: payload.CellsOutLogNormSigma,
		cellsInMin:    payload.CellsInMultiplierMin,
		cellsInMax:    payload.CellsInMultiplierMax,
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("LoadPacketModel: %s: %w", path, err)
	}
	return m, nil
}
