package config

import (
	"os"
	"path/filepath"
	"testing"

	"sitesync/internal/action"
	"sitesync/internal/channel"
	"sitesync/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sync.MaxBatchSize != DefaultMaxBatchSize {
		t.Fatalf("max batch size %d", cfg.Sync.MaxBatchSize)
	}
	if !cfg.RejectionsRetryable() {
		t.Fatalf("expected retry policy by default")
	}
	if len(cfg.RBAC.Roles[string(domain.RoleLabour)].Permissions) != 3 {
		t.Fatalf("unexpected labour permissions: %v", cfg.RBAC.Roles[string(domain.RoleLabour)].Permissions)
	}
}

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("sync:\n  rejected_policy: final\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Sync.MaxBatchSize != DefaultMaxBatchSize {
		t.Fatalf("expected default batch size, got %d", cfg.Sync.MaxBatchSize)
	}
	if cfg.RejectionsRetryable() {
		t.Fatalf("expected final policy")
	}
	if _, ok := cfg.RBAC.Roles[string(domain.RoleOwner)]; !ok {
		t.Fatalf("expected default roles")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"bad policy":     "sync:\n  rejected_policy: sometimes\n",
		"negative batch": "sync:\n  max_batch_size: -1\n",
		"unknown action": "channels:\n  purchase:\n    actions: [PAY]\n",
		"empty channel":  "channels:\n  purchase:\n    role: PURCHASE_MANAGER\n",
		"unknown role":   "channels:\n  purchase:\n    role: AUDITOR\n    actions: [CREATE_DPR]\n",
		"no owner":       "rbac:\n  roles:\n    LABOUR:\n      permissions: [sync.check_in]\n",
		"webhook url":    "webhooks:\n  - secret: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestChannelSetOverlaysConfiguredChannels(t *testing.T) {
	cfg, err := FromYAML([]byte(`channels:
  purchase:
    role: PURCHASE_MANAGER
    actions: [UPDATE_MATERIAL_REQUEST]
  labour:
    role: LABOUR
    actions: [CHECK_IN, CHECK_OUT]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	set, err := cfg.ChannelSet()
	if err != nil {
		t.Fatalf("channel set: %v", err)
	}
	purchase, err := set.Get("purchase")
	if err != nil {
		t.Fatalf("purchase channel: %v", err)
	}
	if !purchase.Permits(action.UpdateMaterialRequestType) || purchase.Permits(action.CreateDPRType) {
		t.Fatalf("unexpected purchase allow-list %v", purchase.Types())
	}
	labour, _ := set.Get(channel.LabourName)
	if labour.Permits(action.TrackType) {
		t.Fatalf("configured labour channel should override the built-in one")
	}
	if _, err := set.Get(channel.EngineerName); err != nil {
		t.Fatalf("built-in engineer channel missing: %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg.Sync.MaxBatchSize != DefaultMaxBatchSize {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(filepath.Join(dir, "sitesync.yml"), []byte("sync:\n  max_batch_size: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxBatchSize != 5 {
		t.Fatalf("expected 5, got %d", cfg.Sync.MaxBatchSize)
	}
}
