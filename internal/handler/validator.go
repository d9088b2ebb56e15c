package handler

import (
	"sync"

	"creditgate/internal/infrastructure/chain"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidations 向 gin 的校验引擎注册自定义规则
func RegisterValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("cardano_addr", validateCardanoAddress)
	})
}

// cardano_addr: addr1 / addr_test1 前缀，完整的 bech32 与网络校验在服务层完成
func validateCardanoAddress(fl validator.FieldLevel) bool {
	return chain.LooksLikeAddress(fl.Field().String())
}
