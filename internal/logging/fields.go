package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 HTTP 读路径的访问日志字段。
func RequestFields(method, path string, status int, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action": "serve",
		"method": method,
		"path":   path,
		"status": status,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// TaskFields 描述镜像构建中的单个任务（包名 + 文件名/版本）。
func TaskFields(action, name, spec string) logrus.Fields {
	fields := logrus.Fields{
		"action":  action,
		"package": name,
	}
	if spec != "" {
		fields["spec"] = spec
	}
	return fields
}
