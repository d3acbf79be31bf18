// Package config 提供 FetchFlow 的配置管理功能。
//
// 包含配置加载与文件变更监听。加载优先级为默认值、YAML 文件、
// 环境变量（前缀 FETCHFLOW_），监听器在配置文件变更后防抖重载
// 并通知回调。
package config
