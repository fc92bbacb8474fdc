package workflow

import (
	"github.com/go-playground/validator/v10"
)

// validatorUtil 参数校验, validator 内部有缓存, 全局一个即可
var validatorUtil = validator.New(validator.WithRequiredStructEnabled())
