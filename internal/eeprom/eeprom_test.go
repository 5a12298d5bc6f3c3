package eeprom

import (
	"path/filepath"
	"testing"

	"github.com/shiwatime/rbdisciplined/internal/types"
)

// memBackend is an in-memory Backend double for round-trip tests.
type memBackend struct {
	dsc  []byte
	temp []byte
}

func (m *memBackend) ReadDscConfig() ([]byte, error)  { return append([]byte{}, m.dsc...), nil }
func (m *memBackend) WriteDscConfig(b []byte) error   { m.dsc = append([]byte{}, b...); return nil }
func (m *memBackend) ReadTempTable() ([]byte, error)  { return append([]byte{}, m.temp...), nil }
func (m *memBackend) WriteTempTable(b []byte) error   { m.temp = append([]byte{}, b...); return nil }

func sampleParams() *types.DiscipliningParameters {
	var p types.DiscipliningParameters
	p.DscConfig.CtrlNodesLength = 10
	p.DscConfig.CtrlNodesLengthFactory = 10
	p.DscConfig.CoarseEquilibrium = 2_100_000
	p.DscConfig.CoarseEquilibriumFactory = 2_100_500
	p.DscConfig.CalibrationDate = 1_706_000_000
	p.DscConfig.CalibrationValid = true
	p.DscConfig.EstimatedEquilibriumES = 42
	for i := 0; i < 10; i++ {
		p.DscConfig.CtrlLoadNodes[i] = float32(i) / 10
		p.DscConfig.CtrlDriftCoeffs[i] = float32(i) - 5
		p.DscConfig.CtrlLoadNodesFactory[i] = float32(i) / 20
		p.DscConfig.CtrlDriftCoeffsFactory[i] = float32(i) - 2
	}
	for i := range p.TempTable.MeanFineOverTemperature {
		p.TempTable.MeanFineOverTemperature[i] = uint16(i * 7)
	}
	return &p
}

func TestWriteReadRoundTrip(t *testing.T) {
	backend := &memBackend{
		dsc:  make([]byte, types.DsciplingConfigFileSize),
		temp: make([]byte, types.TemperatureTableFileSize),
	}
	store := New(backend)

	want := sampleParams()
	if err := store.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(backend.dsc) != types.DsciplingConfigFileSize {
		t.Fatalf("dsc_config region = %d bytes, want %d", len(backend.dsc), types.DsciplingConfigFileSize)
	}
	if len(backend.temp) != types.TemperatureTableFileSize {
		t.Fatalf("temp_table region = %d bytes, want %d", len(backend.temp), types.TemperatureTableFileSize)
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.DscConfig.CtrlNodesLength != want.DscConfig.CtrlNodesLength {
		t.Errorf("CtrlNodesLength = %d, want %d", got.DscConfig.CtrlNodesLength, want.DscConfig.CtrlNodesLength)
	}
	if got.DscConfig.CoarseEquilibrium != want.DscConfig.CoarseEquilibrium {
		t.Errorf("CoarseEquilibrium = %d, want %d", got.DscConfig.CoarseEquilibrium, want.DscConfig.CoarseEquilibrium)
	}
	if got.DscConfig.CalibrationValid != want.DscConfig.CalibrationValid {
		t.Errorf("CalibrationValid = %v, want %v", got.DscConfig.CalibrationValid, want.DscConfig.CalibrationValid)
	}
	if got.DscConfig.EstimatedEquilibriumES != want.DscConfig.EstimatedEquilibriumES {
		t.Errorf("EstimatedEquilibriumES = %d, want %d", got.DscConfig.EstimatedEquilibriumES, want.DscConfig.EstimatedEquilibriumES)
	}

	for i := 0; i < 10; i++ {
		if diff := got.DscConfig.CtrlLoadNodes[i] - want.DscConfig.CtrlLoadNodes[i]; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("CtrlLoadNodes[%d] = %v, want %v", i, got.DscConfig.CtrlLoadNodes[i], want.DscConfig.CtrlLoadNodes[i])
		}
		if diff := got.DscConfig.CtrlDriftCoeffs[i] - want.DscConfig.CtrlDriftCoeffs[i]; diff > 1e-3 || diff < -1e-3 {
			t.Errorf("CtrlDriftCoeffs[%d] = %v, want %v", i, got.DscConfig.CtrlDriftCoeffs[i], want.DscConfig.CtrlDriftCoeffs[i])
		}
	}

	for i := range want.TempTable.MeanFineOverTemperature {
		if got.TempTable.MeanFineOverTemperature[i] != want.TempTable.MeanFineOverTemperature[i] {
			t.Errorf("MeanFineOverTemperature[%d] = %d, want %d", i, got.TempTable.MeanFineOverTemperature[i], want.TempTable.MeanFineOverTemperature[i])
		}
	}
}

func TestReadUpgradesV0(t *testing.T) {
	// Build a legacy, header-less image by hand: ctrl_nodes_length=5,
	// everything else zero, concatenated across both regions with no
	// magic byte in either.
	dsc := make([]byte, types.DsciplingConfigFileSize)
	dsc[0] = 5 // ctrl_nodes_length in the first V0 field slot
	temp := make([]byte, types.TemperatureTableFileSize)

	backend := &memBackend{dsc: dsc, temp: temp}
	store := New(backend)

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.DscConfig.Header != types.HeaderMagic {
		t.Errorf("Header = %#x, want %#x after V0 upgrade", got.DscConfig.Header, types.HeaderMagic)
	}
	if got.DscConfig.Version != types.DiscipliningConfigVersion {
		t.Errorf("Version = %d, want %d after V0 upgrade", got.DscConfig.Version, types.DiscipliningConfigVersion)
	}
	if got.TempTable.Header != types.HeaderMagic {
		t.Errorf("TempTable.Header = %#x, want %#x after V0 upgrade", got.TempTable.Header, types.HeaderMagic)
	}
	if got.DscConfig.CtrlNodesLength != 5 {
		t.Errorf("CtrlNodesLength = %d, want 5", got.DscConfig.CtrlNodesLength)
	}
}

func TestReadRejectsMismatchedHeaders(t *testing.T) {
	dsc := make([]byte, types.DsciplingConfigFileSize)
	dsc[0] = types.HeaderMagic
	dsc[1] = types.DiscipliningConfigVersion
	temp := make([]byte, types.TemperatureTableFileSize) // no magic

	backend := &memBackend{dsc: dsc, temp: temp}
	store := New(backend)

	if _, err := store.Read(); err == nil {
		t.Fatal("expected error when only one region carries the header magic")
	}
}

func TestReadRejectsWrongLength(t *testing.T) {
	backend := &memBackend{
		dsc:  make([]byte, types.DsciplingConfigFileSize-1),
		temp: make([]byte, types.TemperatureTableFileSize),
	}
	store := New(backend)

	if _, err := store.Read(); err == nil {
		t.Fatal("expected error for undersized dsc_config region")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend := &FileBackend{
		DscConfigPath: filepath.Join(dir, "dsc_config"),
		TempTablePath: filepath.Join(dir, "temp_table"),
	}
	store := New(backend)

	want := sampleParams()
	if err := store.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip through FileBackend changed parameters:\ngot  %+v\nwant %+v", got, want)
	}
}
