package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/atomicfile"
)

// GenesisDoc defines the first block of a network and the network id peers
// must agree on during the handshake.
type GenesisDoc struct {
	NetworkID   uint64    `json:"network_id"`
	GenesisTime time.Time `json:"genesis_time"`
	Difficulty  uint64    `json:"difficulty"`
	Extra       []byte    `json:"extra,omitempty"`
}

// ValidateAndComplete checks that all necessary fields are present and
// fills in defaults for optional fields left empty.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.NetworkID == 0 {
		return errors.New("genesis doc must include non-zero network_id")
	}
	if len(genDoc.Extra) > MaxBodyBytes {
		return fmt.Errorf("genesis extra data is too big: %d bytes", len(genDoc.Extra))
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now().UTC().Truncate(time.Second)
	}
	return nil
}

// Block returns the genesis block described by the document.
func (genDoc *GenesisDoc) Block() *Block {
	return MakeBlock(nil, genDoc.Difficulty, genDoc.GenesisTime, nil, genDoc.Extra)
}

// Hash returns the hash of the genesis block.
func (genDoc *GenesisDoc) Hash() Hash {
	return genDoc.Block().Hash()
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := json.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(file, bytes.NewReader(genDocBytes), 0644)
	return err
}

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := json.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := os.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
