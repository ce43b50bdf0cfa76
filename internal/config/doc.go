// Package config 负责加载并校验 jinnworkerd 的 JSON 配置文件，补齐默认值，
// 并把相对路径解析为相对于配置文件所在目录的绝对路径。
package config
