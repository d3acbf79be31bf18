// 版权所有 2024 FetchFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 history 负责任务终态信封的异步落库与查询。

调度结果通过 Record 提交后立即返回，由后台写入器按批次
刷入数据库，缓冲满时直接丢弃并计数，任何情况下都不会
反压调度路径。支持 sqlite（纯 Go 驱动）、postgres、mysql
三种驱动，建表通过 AutoMigrate 完成，连接生命周期交给
database.PoolManager 统一管理。

# 核心类型

  - TaskRecord：task_history 表的数据模型，记录任务标识、
    后端、终态、状态码、尝试次数与耗时。
  - Store：历史仓库，Open 打开，Record 提交，Recent 查询，
    Close 刷出剩余缓冲并关闭连接池。
*/
package history
