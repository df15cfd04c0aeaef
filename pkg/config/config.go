package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"spotex.com/pkg/logger"
)

// Load 读取 config/{service}.yaml 到 out，环境变量可覆盖：
//
//	MATCHING-ENGINE 前缀会被转成 MATCHING_ENGINE，例如
//	MATCHING_ENGINE_STORE_DRIVER 覆盖 store.driver
func Load(service string, out interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(strings.ReplaceAll(strings.ToUpper(service), "-", "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadAndWatch 在 Load 基础上监听文件变更；重新解析成功后回调 onChange
func LoadAndWatch(service string, out interface{}, onChange func()) (*viper.Viper, error) {
	v, err := Load(service, out)
	if err != nil {
		return nil, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.Unmarshal(out); err != nil {
			logger.Log.Warn("reload config", zap.String("service", service), zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Log.Info("config reloaded", zap.String("service", service), zap.String("file", e.Name))
		if onChange != nil {
			onChange()
		}
	})
	v.WatchConfig()
	return v, nil
}
