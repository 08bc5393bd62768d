// Package tests 是 replay-workflow 的内部测试模块。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容：
//   - 通过 WorkflowService 公共接口的端到端场景（SQLite 存储）
//   - 并发投递、版本冲突重试
//   - Redis 分布式锁（需要 Docker，不可用时自动跳过）
//
// 运行测试：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/replay-workflow/workflow ./...
//	go tool cover -html=coverage.out
package tests
