package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// systemVariablesKey 引擎内部使用的变量放在这个前缀下, 业务变量不要使用
const systemVariablesKey = "_system"

// ProcessVariables 流程实例变量, 持久化为 JSON
// 支持嵌套路径读写, 网关条件只比较第一层的业务变量
type ProcessVariables struct {
	data map[string]any
}

// NewProcessVariables 从字节创建, 解析失败返回错误, 空字节得到空变量
func NewProcessVariables(b []byte) (*ProcessVariables, error) {
	v := &ProcessVariables{data: make(map[string]any)}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v.data); err != nil {
		return nil, errors.WithMessage(err, "unmarshal process variables failed")
	}
	if v.data == nil {
		v.data = make(map[string]any)
	}
	return v, nil
}

// NewProcessVariablesFromMap 浅拷贝 m
func NewProcessVariablesFromMap(m map[string]any) *ProcessVariables {
	v := &ProcessVariables{data: make(map[string]any, len(m))}
	for k, val := range m {
		v.data[k] = val
	}
	return v
}

// Get 获取值，支持嵌套路径
// 例如: Get("applicant", "name") 获取 applicant.name
func (v *ProcessVariables) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(v.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (v *ProcessVariables) GetString(keys ...string) (string, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 json 反序列化出来的数字是 float64, 这里一起兼容
func (v *ProcessVariables) GetInt64(keys ...string) (int64, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return 0, false
	}
	switch n := val.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func (v *ProcessVariables) GetBool(keys ...string) (bool, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，中间路径不是 map 时直接覆盖
func (v *ProcessVariables) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := v.data
	for i := 0; i < len(keys)-1; i++ {
		next, ok := current[keys[i]].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[keys[i]] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Delete 删除指定路径的值
func (v *ProcessVariables) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := v.data
	for i := 0; i < len(keys)-1; i++ {
		next, ok := current[keys[i]].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

// Merge 合并完成任务时提交的变量, 同名覆盖, 不允许覆盖系统变量
func (v *ProcessVariables) Merge(m map[string]any) {
	for k, val := range m {
		if k == systemVariablesKey {
			continue
		}
		v.data[k] = val
	}
}

/*
*
  - @description: 判断连线条件是否满足
    条件为空永远满足; 否则每一个变量的字符串形式都要和期望值相等
  - @param conditions map[string]string
  - @return bool
*/
func (v *ProcessVariables) Matches(conditions map[string]string) bool {
	for key, expected := range conditions {
		val, ok := v.data[key]
		if !ok || val == nil {
			return false
		}
		if formatVariable(val) != expected {
			return false
		}
	}
	return true
}

func formatVariable(val any) string {
	switch n := val.(type) {
	case string:
		return n
	case float64:
		// 整数形式的 float64 不要带小数点, 和配置里面的写法保持一致
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	}
	return fmt.Sprint(val)
}

// Keys 第一层的变量名, 排序后返回
func (v *ProcessVariables) Keys() []string {
	ret := make([]string, 0, len(v.data))
	for k := range v.data {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// ToBytes 转换为 JSON 字节
func (v *ProcessVariables) ToBytes() ([]byte, error) {
	return json.Marshal(v.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (v *ProcessVariables) ToMap() map[string]any {
	return v.data
}

// joinArrivals 并行网关汇聚时已经到达的分支数
func (v *ProcessVariables) joinArrivals(nodeID string) int64 {
	n, _ := v.GetInt64(systemVariablesKey, "join", nodeID)
	return n
}

func (v *ProcessVariables) setJoinArrivals(nodeID string, n int64) {
	if n <= 0 {
		v.Delete(systemVariablesKey, "join", nodeID)
		return
	}
	_ = v.Set([]string{systemVariablesKey, "join", nodeID}, n)
}
