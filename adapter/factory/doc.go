// Package factory 提供执行引擎注册表与默认代理源的集中式装配，
// 通过配置开关映射构造函数，打破 adapter 包与各引擎子包之间的循环依赖。
package factory
