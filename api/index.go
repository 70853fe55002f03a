package handler

import (
	"context"
	"net/http"
	"sync"

	config "energycast/configs"
	"energycast/pkg/app"
	"energycast/pkg/logging"

	"github.com/gin-gonic/gin"
)

var (
	application *app.App
	once        sync.Once
)

// setupApp はGinアプリケーションを初期化します。
// サーバーレス環境では、リクエストごとに初期化が走らないようsync.Onceで一度だけ実行します。
func setupApp() *app.App {
	once.Do(func() {
		// 環境変数はVercelのプロジェクト設定から渡されるため、ここではgodotenvを呼び出しません。
		cfg := config.LoadConfig()
		logger := logging.New(cfg.LogLevel, cfg.Environment)
		gin.SetMode(gin.ReleaseMode)

		application = app.New(context.Background(), cfg, logger)
		logger.Info("serverless application initialized")
	})
	return application
}

// Handler はVercelからのすべてのリクエストを処理するエントリーポイントです。
func Handler(w http.ResponseWriter, r *http.Request) {
	setupApp().Router.ServeHTTP(w, r)
}
