// internal/pkg/nacos/client.go
package nacos

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/rs/zerolog/log"
)

// ConfigClient 封装了 Nacos 配置中心客户端
type ConfigClient struct {
	configClient config_client.IConfigClient

	groupName string
}

// ParseServerConfigs 解析 "ip1:port1,ip2:port2" 格式的地址
func ParseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(strings.TrimSpace(addr), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

// NewConfigClient 创建并返回一个新的 Nacos 配置客户端
func NewConfigClient(addrs, namespaceId, groupName string) (*ConfigClient, error) {
	if groupName == "" {
		groupName = "DEFAULT_GROUP" // Nacos 默认分组
	}
	serverConfigs, err := ParseServerConfigs(addrs)
	if err != nil {
		return nil, err
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceId),
	)

	configClient, err := clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos config client: %w", err)
	}

	log.Info().Str("addrs", addrs).Str("namespace", namespaceId).Msg("✅ Successfully connected to Nacos.")
	return &ConfigClient{configClient: configClient, groupName: groupName}, nil
}

// Get 拉取一份配置内容
func (c *ConfigClient) Get(dataID string) (string, error) {
	content, err := c.configClient.GetConfig(vo.ConfigParam{DataId: dataID, Group: c.groupName})
	if err != nil {
		return "", fmt.Errorf("failed to get nacos config %s: %w", dataID, err)
	}
	return content, nil
}

// Listen 监听配置变更，回调在 SDK 的 goroutine 中执行
func (c *ConfigClient) Listen(dataID string, onChange func(content string)) error {
	return c.configClient.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  c.groupName,
		OnChange: func(namespace, group, dataId, data string) {
			log.Info().Str("data_id", dataId).Str("group", group).Msg("nacos config changed")
			onChange(data)
		},
	})
}

// Close 关闭 Nacos 客户端连接
func (c *ConfigClient) Close() {
	if c.configClient != nil {
		c.configClient.CloseClient()
	}
}
