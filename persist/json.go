package persist

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
)

// jsonEnvelope is the on-disk representation of a JSON-persisted object. The
// checksum lets LoadJSON detect a file that was only partially written
// (e.g. power loss mid-save) and fall back to the previous temp file.
type jsonEnvelope struct {
	Metadata Metadata
	Checksum string
	Data     json.RawMessage
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hexEncode(sum[:])
}

// SaveJSON writes object to filename as a checksummed JSON document. The
// write goes through a SafeFile so a concurrent or interrupted save cannot
// corrupt the previously-committed version: if the write or the checksum it
// computes fails, the file at filename is left untouched.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	data, err := json.Marshal(object)
	if err != nil {
		return err
	}
	env := jsonEnvelope{
		Metadata: meta,
		Checksum: checksum(data),
		Data:     data,
	}
	envData, err := json.MarshalIndent(env, "", "\t")
	if err != nil {
		return err
	}

	// The new contents go to a fresh temp file (NewSafeFile truncates any
	// earlier one) that Commit renames over filename. The current main
	// file is not inspected first, so an earlier temp file is replaced
	// even when the main file is corrupted.
	sf, err := NewSafeFile(filename)
	if err != nil {
		return err
	}
	defer sf.Close()
	if _, err := sf.Write(envData); err != nil {
		return err
	}
	return sf.Commit()
}

// LoadJSON reads a checksummed JSON document previously written by SaveJSON
// into object. If the main file is missing or fails its checksum, LoadJSON
// falls back to the adjacent temp file left by an interrupted SafeFile
// commit before giving up.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if filepath.Ext(filename) == tempSuffix || len(filename) >= len(tempSuffix) && filename[len(filename)-len(tempSuffix):] == tempSuffix {
		return ErrBadFilenameSuffix
	}

	data, mainErr := ioutil.ReadFile(filename)
	if mainErr == nil {
		if err := decodeJSONEnvelope(meta, object, data); err == nil {
			return nil
		}
	} else if !isOSNotExist(mainErr) {
		return mainErr
	}

	// Fall back to the temp file that a prior, interrupted SafeFile commit
	// may have left behind.
	tempData, tempErr := ioutil.ReadFile(safeFileTempPath(filename))
	if tempErr != nil {
		if mainErr != nil {
			return mainErr
		}
		return tempErr
	}
	return decodeJSONEnvelope(meta, object, tempData)
}

func decodeJSONEnvelope(meta Metadata, object interface{}, raw []byte) error {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.Metadata.Header != meta.Header {
		return ErrBadHeader
	}
	if env.Metadata.Version != meta.Version {
		return ErrBadVersion
	}
	if checksum(env.Data) != env.Checksum {
		return errors.New("checksum mismatch: file is corrupt")
	}
	return json.Unmarshal(env.Data, object)
}

// ensureParent creates the parent directory of path if it does not already
// exist.
func ensureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0700)
}
