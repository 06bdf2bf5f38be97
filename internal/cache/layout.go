package cache

// MetadataFile 是每个版本目录下的元数据文档名。
const MetadataFile = "data.json"

// FileLocator 定位 FileDir/<spec>。
func FileLocator(spec string) Locator {
	return Locator{Path: spec}
}

// MetadataLocator 定位 JSONDir/<name>/<version>/data.json。
func MetadataLocator(name, version string) Locator {
	return Locator{Project: name, Path: version + "/" + MetadataFile}
}

// ProjectLocator 定位 JSONDir/<name>，用于枚举版本目录。
func ProjectLocator(name string) Locator {
	return Locator{Project: name}
}
