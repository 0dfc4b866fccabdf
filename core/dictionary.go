package core

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"strconv"
	"sync"

	"pwmcap/protocol"
)

// DictionaryData is the decoded form of the data dictionary.
type DictionaryData struct {
	Version       string            `json:"version"`
	BuildVersions string            `json:"build_versions"`
	Config        map[string]string `json:"config"`
	Commands      map[string]int    `json:"commands"`
	Responses     map[string]int    `json:"responses"`
}

// Dictionary manages the data dictionary sent to Klipper host
type Dictionary struct {
	mu            sync.Mutex
	constants     map[string]string
	commandReg    *CommandRegistry
	version       string
	buildVersions string
	cachedDict    []byte // compressed; cleared when constants change
}

// NewDictionary creates a new dictionary
func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:     make(map[string]string),
		commandReg:    cmdReg,
		version:       protocol.Version,
		buildVersions: "go",
	}
}

// AddConstant adds a constant to the dictionary. Values are rendered as
// strings, as Klipper expects.
func (d *Dictionary) AddConstant(name string, value interface{}) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case int:
		s = strconv.Itoa(v)
	case uint32:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	default:
		s = "?"
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = s
	d.cachedDict = nil
}

// SetVersion sets the firmware version string
func (d *Dictionary) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
	d.cachedDict = nil
}

// Generate returns the zlib compressed JSON dictionary. The result is cached
// after the first call; register every command before the host identifies.
func (d *Dictionary) Generate() []byte {
	// Fetch before taking our own lock to keep lock order one way.
	commands, responses := d.commandReg.CommandsAndResponses()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cachedDict != nil {
		return d.cachedDict
	}

	config := make(map[string]string, len(d.constants))
	for k, v := range d.constants {
		config[k] = v
	}
	raw, err := json.Marshal(DictionaryData{
		Version:       d.version,
		BuildVersions: d.buildVersions,
		Config:        config,
		Commands:      commands,
		Responses:     responses,
	})
	if err != nil {
		DebugPrintln("[DICT] marshal failed: " + err.Error())
		return nil
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		DebugPrintln("[DICT] compress failed: " + err.Error())
		return nil
	}
	if err := w.Close(); err != nil {
		DebugPrintln("[DICT] compress failed: " + err.Error())
		return nil
	}
	d.cachedDict = buf.Bytes()
	return d.cachedDict
}

// GetChunk returns a copy of at most count bytes of the dictionary starting at offset
func (d *Dictionary) GetChunk(offset uint32, count uint8) []byte {
	data := d.Generate()
	if offset >= uint32(len(data)) {
		return []byte{}
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}

// DecodeDictionary parses a dictionary as assembled from identify_response chunks.
func DecodeDictionary(compressed []byte) (*DictionaryData, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var dict DictionaryData
	if err := json.NewDecoder(r).Decode(&dict); err != nil {
		return nil, err
	}
	return &dict, nil
}
