package browser

import (
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/BaSui01/fetchflow/types"
)

// NewStealth 创建反检测加固的 chromedp 引擎。
// 在普通 chromedp 之上关闭自动化暴露面, 并在每个文档加载前注入补丁,
// 抹掉 navigator.webdriver 等无头特征。
func NewStealth(opts Options, logger *zap.Logger) *Chromedp {
	return newChromedp(types.BackendStealth, opts, logger, true)
}

// stealthFlags 反检测启动参数。
func stealthFlags() []chromedp.ExecAllocatorOption {
	return []chromedp.ExecAllocatorOption{
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-default-apps", true),
	}
}

// stealthScript 在任何页面脚本执行前运行, 伪装成普通桌面浏览器环境。
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications'
		? Promise.resolve({ state: Notification.permission })
		: originalQuery(parameters)
);
`
