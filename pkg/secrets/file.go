package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/purview-connector/pkg/crypto"
)

// secretsFile is the on-disk layout of the encrypted secrets file.
type secretsFile struct {
	Secrets map[string]string `yaml:"secrets"`
}

// FileProvider reads secrets sealed with crypto.SecretCipher from a YAML file.
type FileProvider struct {
	fs     afero.Fs
	path   string
	cipher *crypto.SecretCipher

	mu sync.Mutex
}

// NewFileProvider creates a provider for the secrets file at path.
func NewFileProvider(fsys afero.Fs, path, key string) (*FileProvider, error) {
	cipher, err := crypto.NewSecretCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets file key (SECRETS_FILE_KEY): %w", err)
	}
	return &FileProvider{fs: fsys, path: path, cipher: cipher}, nil
}

func (p *FileProvider) read() (*secretsFile, error) {
	data, err := afero.ReadFile(p.fs, p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &secretsFile{Secrets: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	var f secretsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	if f.Secrets == nil {
		f.Secrets = map[string]string{}
	}
	return &f, nil
}

// GetCredential opens the sealed value stored under name.
func (p *FileProvider) GetCredential(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.read()
	if err != nil {
		return "", err
	}
	sealed, ok := f.Secrets[name]
	if !ok {
		return "", NotFound(name)
	}
	value, err := p.cipher.Open(name, sealed)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	return value, nil
}

// Seal stores value under name, replacing any previous value.
// The file is rewritten through a temp file and rename.
func (p *FileProvider) Seal(name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.read()
	if err != nil {
		return err
	}
	sealed, err := p.cipher.Seal(name, value)
	if err != nil {
		return err
	}
	f.Secrets[name] = sealed

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode secrets file: %w", err)
	}

	if dir := filepath.Dir(p.path); dir != "." {
		if err := p.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create secrets directory: %w", err)
		}
	}
	tmp := p.path + ".tmp"
	if err := afero.WriteFile(p.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := p.fs.Rename(tmp, p.path); err != nil {
		p.fs.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}

// Names lists stored secret names in sorted order.
func (p *FileProvider) Names() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Secrets))
	for name := range f.Secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
