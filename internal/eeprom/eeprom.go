// Package eeprom implements the versioned two-region disciplining
// parameter store (C2): a 144-byte DSC_CONFIG region and a 368-byte
// TEMP_TABLE region, with V0→V1 in-memory upgrade, grounded line-for-line
// on original_source/common/eeprom_config.c.
//
// The four control-node arrays (ctrl_load_nodes/ctrl_drift_coeffs and
// their factory counterparts) are kept as float32 in the in-memory
// types.DsciplingConfig for API ergonomics, but the proprietary
// disciplining library's real on-device packing is out of scope (it
// lives behind oscillator-disciplining.h, the control library
// is explicitly treated as a black box). To fit four 10-element arrays
// plus the scalar fields inside the mandated 144-byte region, the wire
// encoding quantizes each array entry to a 16-bit fixed-point value;
// see loadNodeScale/driftCoeffScale below.
package eeprom

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Backend is the pluggable storage for the two fixed-size regions: a raw
// file (sysfs attribute or plain file) or a driver-owned ioctl pair.
type Backend interface {
	ReadDscConfig() ([]byte, error)
	WriteDscConfig([]byte) error
	ReadTempTable() ([]byte, error)
	WriteTempTable([]byte) error
}

// Store owns the read/write/upgrade logic over a Backend.
type Store struct {
	backend Backend
}

// New builds a Store over the given backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// FileBackend is the plain-file Backend: the two regions are sysfs
// attribute files (or any regular file standing in for one during
// development), read and written whole each time the way
// original_source/common/eeprom_config.c's open/read/write/close calls
// do over the kernel eeprom sysfs class, rather than the mmap'd PCIe BAR
// internal/timecard/io_linux.go uses for register access — the parameter
// store is a byte blob, not a register window.
type FileBackend struct {
	DscConfigPath string
	TempTablePath string
}

func (b *FileBackend) ReadDscConfig() ([]byte, error) {
	return os.ReadFile(b.DscConfigPath)
}

func (b *FileBackend) WriteDscConfig(data []byte) error {
	return os.WriteFile(b.DscConfigPath, data, 0o644)
}

func (b *FileBackend) ReadTempTable() ([]byte, error) {
	return os.ReadFile(b.TempTablePath)
}

func (b *FileBackend) WriteTempTable(data []byte) error {
	return os.WriteFile(b.TempTablePath, data, 0o644)
}

// Quantization scales for the 16-bit wire encoding of the control-node
// arrays: load nodes are fractional DAC positions in (0,1), so an
// unsigned Q16 fraction loses no usable precision at this resolution;
// drift coefficients are small signed slopes, scaled into an int16.
const (
	loadNodeScale  = 65535.0
	driftCoeffScale = 1000.0
)

func quantizeLoadNode(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 65535
	}
	return uint16(v * loadNodeScale)
}

func dequantizeLoadNode(v uint16) float32 {
	return float32(v) / loadNodeScale
}

func quantizeDriftCoeff(v float32) int16 {
	scaled := v * driftCoeffScale
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}

func dequantizeDriftCoeff(v int16) float32 {
	return float32(v) / driftCoeffScale
}

// wireDscConfig is the exact on-the-wire layout of the DSC_CONFIG region.
type wireDscConfig struct {
	Header                   byte
	Version                  byte
	CtrlNodesLength          uint8
	CtrlNodesLengthFactory   uint8
	CtrlLoadNodes            [10]uint16
	CtrlDriftCoeffs          [10]int16
	CtrlLoadNodesFactory     [10]uint16
	CtrlDriftCoeffsFactory   [10]int16
	CoarseEquilibrium        int32
	CoarseEquilibriumFactory int32
	CalibrationDate          int64
	CalibrationValid         uint8
	EstimatedEquilibriumES   uint32
}

// wireTempTable is the exact on-the-wire layout of the TEMP_TABLE region.
type wireTempTable struct {
	Header                  byte
	Version                 byte
	MeanFineOverTemperature [types.MeanTemperatureArrayMax]uint16
}

// Read implements the persisted read path: both regions, magic/version
// consistency check, V0 legacy fallback.
func (s *Store) Read() (*types.DiscipliningParameters, error) {
	dscData, err := s.backend.ReadDscConfig()
	if err != nil {
		return nil, rbderr.Wrap(rbderr.DeviceIO, "eeprom.Read", err)
	}
	if len(dscData) != types.DsciplingConfigFileSize {
		return nil, rbderr.New(rbderr.ParameterFormat, "eeprom.Read", "dsc_config region is %d bytes, want %d", len(dscData), types.DsciplingConfigFileSize)
	}

	tempData, err := s.backend.ReadTempTable()
	if err != nil {
		return nil, rbderr.Wrap(rbderr.DeviceIO, "eeprom.Read", err)
	}
	if len(tempData) != types.TemperatureTableFileSize {
		return nil, rbderr.New(rbderr.ParameterFormat, "eeprom.Read", "temp_table region is %d bytes, want %d", len(tempData), types.TemperatureTableFileSize)
	}

	dscMagic := checkHeaderValid(dscData[0])
	tempMagic := checkHeaderValid(tempData[0])

	switch {
	case dscMagic && tempMagic:
		dscVersion := dscData[1]
		tempVersion := tempData[1]
		if dscVersion != tempVersion {
			return nil, rbderr.New(rbderr.ParameterFormat, "eeprom.Read", "version mismatch: dsc_config=%d temp_table=%d", dscVersion, tempVersion)
		}
		if dscVersion != types.DiscipliningConfigVersion {
			return nil, rbderr.New(rbderr.ParameterFormat, "eeprom.Read", "unsupported version %d", dscVersion)
		}
		return decodeV1(dscData, tempData)

	case !dscMagic && !tempMagic:
		// No header in either region: assume legacy V0, concatenate and
		// upgrade in memory (original_source/common/eeprom_config.c
		// read_disciplining_parameters_from_eeprom, V0 branch).
		v0 := append(append([]byte{}, dscData...), tempData...)
		return upgradeV0(v0)

	default:
		return nil, rbderr.New(rbderr.ParameterFormat, "eeprom.Read", "header present in exactly one region (dsc_config=%v temp_table=%v)", dscMagic, tempMagic)
	}
}

// Write implements the persisted write path: fill both regions from the V1
// structure, zero padding, write each whole.
func (s *Store) Write(params *types.DiscipliningParameters) error {
	dscData := encodeDscConfig(&params.DscConfig)
	tempData := encodeTempTable(&params.TempTable)

	if err := s.backend.WriteDscConfig(dscData); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "eeprom.Write", err)
	}
	if err := s.backend.WriteTempTable(tempData); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "eeprom.Write", err)
	}
	return nil
}

func checkHeaderValid(b byte) bool {
	return b == types.HeaderMagic
}

func decodeV1(dscData, tempData []byte) (*types.DiscipliningParameters, error) {
	params := &types.DiscipliningParameters{}

	var wireDsc wireDscConfig
	if err := binary.Read(bytes.NewReader(dscData), binary.LittleEndian, &wireDsc); err != nil {
		return nil, rbderr.Wrap(rbderr.ParameterFormat, "decodeV1", err)
	}
	params.DscConfig = fromWireDscConfig(&wireDsc)

	var wireTemp wireTempTable
	if err := binary.Read(bytes.NewReader(tempData), binary.LittleEndian, &wireTemp); err != nil {
		return nil, rbderr.Wrap(rbderr.ParameterFormat, "decodeV1", err)
	}
	params.TempTable = types.TemperatureTable{
		Header:                  wireTemp.Header,
		Version:                 wireTemp.Version,
		MeanFineOverTemperature: wireTemp.MeanFineOverTemperature,
	}

	return params, nil
}

func fromWireDscConfig(w *wireDscConfig) types.DsciplingConfig {
	c := types.DsciplingConfig{
		Header:                   w.Header,
		Version:                  w.Version,
		CtrlNodesLength:          w.CtrlNodesLength,
		CtrlNodesLengthFactory:   w.CtrlNodesLengthFactory,
		CoarseEquilibrium:        w.CoarseEquilibrium,
		CoarseEquilibriumFactory: w.CoarseEquilibriumFactory,
		CalibrationDate:          w.CalibrationDate,
		CalibrationValid:         w.CalibrationValid != 0,
		EstimatedEquilibriumES:   w.EstimatedEquilibriumES,
	}
	for i := 0; i < 10; i++ {
		c.CtrlLoadNodes[i] = dequantizeLoadNode(w.CtrlLoadNodes[i])
		c.CtrlDriftCoeffs[i] = dequantizeDriftCoeff(w.CtrlDriftCoeffs[i])
		c.CtrlLoadNodesFactory[i] = dequantizeLoadNode(w.CtrlLoadNodesFactory[i])
		c.CtrlDriftCoeffsFactory[i] = dequantizeDriftCoeff(w.CtrlDriftCoeffsFactory[i])
	}
	return c
}

func toWireDscConfig(c *types.DsciplingConfig) wireDscConfig {
	calValid := uint8(0)
	if c.CalibrationValid {
		calValid = 1
	}
	w := wireDscConfig{
		Header:                   types.HeaderMagic,
		Version:                  types.DiscipliningConfigVersion,
		CtrlNodesLength:          c.CtrlNodesLength,
		CtrlNodesLengthFactory:   c.CtrlNodesLengthFactory,
		CoarseEquilibrium:        c.CoarseEquilibrium,
		CoarseEquilibriumFactory: c.CoarseEquilibriumFactory,
		CalibrationDate:          c.CalibrationDate,
		CalibrationValid:         calValid,
		EstimatedEquilibriumES:   c.EstimatedEquilibriumES,
	}
	for i := 0; i < 10; i++ {
		w.CtrlLoadNodes[i] = quantizeLoadNode(c.CtrlLoadNodes[i])
		w.CtrlDriftCoeffs[i] = quantizeDriftCoeff(c.CtrlDriftCoeffs[i])
		w.CtrlLoadNodesFactory[i] = quantizeLoadNode(c.CtrlLoadNodesFactory[i])
		w.CtrlDriftCoeffsFactory[i] = quantizeDriftCoeff(c.CtrlDriftCoeffsFactory[i])
	}
	return w
}

// v0Layout is the legacy, header-less packing of the disciplining
// parameters: both on-device regions concatenated contiguously, field
// order fixed by original_source's struct disciplining_parameters_V_0,
// using the same 16-bit quantization as the V1 wire format above.
type v0Layout struct {
	CtrlNodesLength          uint8
	CtrlNodesLengthFactory   uint8
	CtrlLoadNodes            [10]uint16
	CtrlDriftCoeffs          [10]int16
	CtrlLoadNodesFactory     [10]uint16
	CtrlDriftCoeffsFactory   [10]int16
	CoarseEquilibrium        int32
	CoarseEquilibriumFactory int32
	CalibrationDate          int64
	CalibrationValid         uint8
	EstimatedEquilibriumES   uint32
	MeanFineOverTemperature  [types.MeanTemperatureArrayMax]uint16
}

// upgradeV0 mirrors convert_disciplining_parameters_V0_to_V1: copy every
// field across, stamp HEADER_MAGIC and version=1 on both regions.
func upgradeV0(raw []byte) (*types.DiscipliningParameters, error) {
	var v0 v0Layout
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &v0); err != nil {
		return nil, rbderr.Wrap(rbderr.ParameterFormat, "upgradeV0", err)
	}

	dsc := types.DsciplingConfig{
		Header:                   types.HeaderMagic,
		Version:                  types.DiscipliningConfigVersion,
		CtrlNodesLength:          v0.CtrlNodesLength,
		CtrlNodesLengthFactory:   v0.CtrlNodesLengthFactory,
		CoarseEquilibrium:        v0.CoarseEquilibrium,
		CoarseEquilibriumFactory: v0.CoarseEquilibriumFactory,
		CalibrationDate:          v0.CalibrationDate,
		CalibrationValid:         v0.CalibrationValid != 0,
		EstimatedEquilibriumES:   v0.EstimatedEquilibriumES,
	}
	for i := 0; i < 10; i++ {
		dsc.CtrlLoadNodes[i] = dequantizeLoadNode(v0.CtrlLoadNodes[i])
		dsc.CtrlDriftCoeffs[i] = dequantizeDriftCoeff(v0.CtrlDriftCoeffs[i])
		dsc.CtrlLoadNodesFactory[i] = dequantizeLoadNode(v0.CtrlLoadNodesFactory[i])
		dsc.CtrlDriftCoeffsFactory[i] = dequantizeDriftCoeff(v0.CtrlDriftCoeffsFactory[i])
	}

	params := &types.DiscipliningParameters{
		DscConfig: dsc,
		TempTable: types.TemperatureTable{
			Header:                  types.HeaderMagic,
			Version:                 types.DiscipliningConfigVersion,
			MeanFineOverTemperature: v0.MeanFineOverTemperature,
		},
	}
	return params, nil
}

func encodeDscConfig(c *types.DsciplingConfig) []byte {
	w := toWireDscConfig(c)
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &w)

	out := make([]byte, types.DsciplingConfigFileSize)
	copy(out, buf.Bytes())
	return out
}

func encodeTempTable(t *types.TemperatureTable) []byte {
	w := wireTempTable{
		Header:                  types.HeaderMagic,
		Version:                 types.DiscipliningConfigVersion,
		MeanFineOverTemperature: t.MeanFineOverTemperature,
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &w)

	out := make([]byte, types.TemperatureTableFileSize)
	copy(out, buf.Bytes())
	return out
}
