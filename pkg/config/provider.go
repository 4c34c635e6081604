package config

import (
	"context"
	"errors"
	"fmt"

	"modhost/pkg/plugin"
)

const (
	pluginsPrefix  = "plugins"
	pluginDefaults = "defaults"
)

// PluginConfigProvider serves plugin configuration from the ConfigManager.
// A plugin titled "economy" asking for "currency" reads
// plugins.economy.currency and falls back to plugins.defaults.currency.
type PluginConfigProvider struct {
	manager *ConfigManager
}

func NewPluginConfigProvider(manager *ConfigManager) *PluginConfigProvider {
	return &PluginConfigProvider{manager: manager}
}

func (p *PluginConfigProvider) Resolve(ctx context.Context, owner plugin.Instance, key string) (interface{}, error) {
	value, err := p.manager.Get(pluginKey(owner.Title, key))
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	value, err = p.manager.Get(pluginKey(pluginDefaults, key))
	if err == nil {
		return value, nil
	}
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s for plugin %s", ErrKeyNotFound, key, owner.Title)
	}
	return nil, err
}

func pluginKey(title, key string) string {
	return pluginsPrefix + "." + title + "." + key
}
