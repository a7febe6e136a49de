package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// AccountEntry сохраненный аккаунт вместе с контактами
type AccountEntry struct {
	Account AccountConfig `mapstructure:"account" json:"account"`
	Buddies []BuddyConfig `mapstructure:"buddies" json:"buddies"`
}

// Store JSON контейнер сохраненных аккаунтов. Пишется целиком.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore создает хранилище по пути path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path путь файла
func (s *Store) Path() string { return s.path }

func (s *Store) viper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	return v
}

// Load читает аккаунты. Отсутствующий файл дает пустой список.
func (s *Store) Load() ([]AccountEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	v := s.viper()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read account store %s: %w", s.path, err)
	}
	var out struct {
		Accounts []AccountEntry `mapstructure:"accounts"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("failed to decode account store: %w", err)
	}
	return out.Accounts, nil
}

// Save перезаписывает файл
func (s *Store) Save(entries []AccountEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	if entries == nil {
		entries = []AccountEntry{}
	}
	v := s.viper()
	v.Set("accounts", entries)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write account store: %w", err)
	}
	return nil
}

// Upsert заменяет аккаунт с тем же ID или добавляет новый
func (s *Store) Upsert(e AccountEntry) error {
	entries, err := s.Load()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Account.ID == e.Account.ID {
			entries[i] = e
			return s.Save(entries)
		}
	}
	return s.Save(append(entries, e))
}
