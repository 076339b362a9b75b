package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求键/代际/命中状态字段，供拦截日志复用。
func RequestFields(method, key, generation string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"key":        key,
		"generation": generation,
		"cache_hit":  cacheHit,
	}
}

// GenerationFields 描述一次安装/激活/回收涉及的代际。
func GenerationFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
