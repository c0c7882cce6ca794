package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址错误: %s", cfg.Server.Address)
	}
	if cfg.Storage.Payments.Driver != "memory" || cfg.Storage.IdempotencyDriver != "memory" {
		t.Fatalf("默认存储驱动错误: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 {
		t.Fatalf("默认队列配置错误: %+v", cfg.Queue)
	}
	if cfg.Queue.PaymentQueue != "agentpay.payments" || cfg.Queue.SettlementQueue != "agentpay.settlements" {
		t.Fatalf("默认队列名错误: %+v", cfg.Queue)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{"chains":{"config_path":"chains.yaml"},"runtime":{"data_dir":"data"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Chains.ConfigPath != filepath.Join(base, "chains.yaml") {
		t.Fatalf("链配置路径应解析为绝对路径: %s", cfg.Chains.ConfigPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(base, "data") {
		t.Fatalf("数据目录应解析为绝对路径: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsIncompleteDrivers(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"mysql 缺 DSN", `{"storage":{"payments":{"driver":"mysql"}}}`},
		{"未知存储驱动", `{"storage":{"budgets":{"driver":"sqlite"}}}`},
		{"redis 队列缺地址", `{"queue":{"driver":"redis"}}`},
		{"rabbitmq 队列缺 URL", `{"queue":{"driver":"rabbitmq"}}`},
		{"redis 幂等缺地址", `{"storage":{"idempotency_driver":"redis"}}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: 应当拒绝", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("缺失文件应当报错")
	}
}
