package profile

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/havenssh/core/internal/logutil"
)

// importFile is the YAML layout accepted by ImportYAML:
//
//	profiles:
//	  - label: prod
//	    host: 10.0.0.5
//	    username: deploy
//	    auth: key
//	    private_key_file: ~/.ssh/id_ed25519
//	    wrapper: tmux
//	    remember_credentials: true
type importFile struct {
	Profiles []Input `yaml:"profiles"`
}

// ImportResult counts what ImportYAML changed.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ImportYAML upserts profiles from r, matching existing ones by label. The
// import stops at the first invalid entry; entries before it are kept.
func (s *Store) ImportYAML(r io.Reader) (ImportResult, error) {
	var res ImportResult
	var file importFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		return res, fmt.Errorf("parse profiles yaml: %w", err)
	}

	for i, in := range file.Profiles {
		existing, err := s.findByLabel(in.Label)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := s.Create(in); err != nil {
				return res, fmt.Errorf("profile %d (%s): %w", i, in.Label, err)
			}
			res.Created++
		case err != nil:
			return res, err
		default:
			if _, err := s.Update(existing.ID, in); err != nil {
				return res, fmt.Errorf("profile %d (%s): %w", i, in.Label, err)
			}
			res.Updated++
		}
	}
	log.Printf("[profile] imported profiles: %d created, %d updated", res.Created, res.Updated)
	return res, nil
}

// ImportFile imports profiles from the YAML file at path.
func (s *Store) ImportFile(path string) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, err
	}
	defer f.Close()
	res, err := s.ImportYAML(f)
	if err != nil {
		return res, fmt.Errorf("import %s: %w", logutil.SanitizeForLog(path), err)
	}
	return res, nil
}
