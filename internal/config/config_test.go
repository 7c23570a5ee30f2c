package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, errLoad := Load("")
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Port)
	}
	if cfg.OllamaBaseURL != "http://localhost:11434" {
		t.Fatalf("unexpected default backend url %s", cfg.OllamaBaseURL)
	}
	if cfg.DefaultRequestsPerMinute != 60 || cfg.DefaultRequestsPerDay != 1000 {
		t.Fatalf("unexpected default request limits %d/%d", cfg.DefaultRequestsPerMinute, cfg.DefaultRequestsPerDay)
	}
	if cfg.DefaultTokensPerMinute != 100000 || cfg.DefaultTokensPerDay != 1000000 {
		t.Fatalf("unexpected default token limits %d/%d", cfg.DefaultTokensPerMinute, cfg.DefaultTokensPerDay)
	}
	if cfg.DefaultTotalTokenLimit != nil {
		t.Fatalf("expected unlimited lifetime tokens by default")
	}
	if cfg.OllamaMaxConcurrent != 1 {
		t.Fatalf("expected backend concurrency 1, got %d", cfg.OllamaMaxConcurrent)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("OLLAMA_BASE_URL", "http://backend:11434/")
	t.Setenv("OLLAMA_MAX_CONCURRENT", "4")
	t.Setenv("DEFAULT_TOTAL_TOKEN_LIMIT", "5000000")
	t.Setenv("ALLOWED_IMAGE_TYPES", "image/png, image/jpeg")

	cfg, errLoad := Load("")
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.OllamaBaseURL != "http://backend:11434" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.OllamaBaseURL)
	}
	if cfg.OllamaMaxConcurrent != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.OllamaMaxConcurrent)
	}
	if cfg.DefaultTotalTokenLimit == nil || *cfg.DefaultTotalTokenLimit != 5000000 {
		t.Fatalf("expected lifetime limit 5000000, got %v", cfg.DefaultTotalTokenLimit)
	}
	if len(cfg.AllowedImageTypes) != 2 || cfg.AllowedImageTypes[1] != "image/jpeg" {
		t.Fatalf("unexpected image types %v", cfg.AllowedImageTypes)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, errLoad := Load(""); errLoad == nil {
		t.Fatalf("expected error for invalid port")
	}
}
