package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load 读取 config/{service}.yaml 并解到 out。
// 环境变量覆盖，例如 service=feed-ingest 时：
//
//	FEED_INGEST_REDIS_ADDR 覆盖 redis.addr
//
// 配置在启动后不可变（provider profile 不允许运行时修改），所以这里不做热更新。
func Load(service string, out interface{}) (*viper.Viper, error) {
	return LoadFile(service, "", out)
}

// LoadFile 同 Load，file 非空时直接读这个文件
func LoadFile(service, file string, out interface{}) (*viper.Viper, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", service, err)
	}
	// 默认 decode hook 已包含 "5s" -> time.Duration
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", service, err)
	}
	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
