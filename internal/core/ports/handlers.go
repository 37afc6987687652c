package ports

import (
	"github.com/gin-gonic/gin"
)

type FrameHTTPHandler interface {
	UploadFrame(c *gin.Context)
	Health(c *gin.Context)
}

type TriggerHTTPHandler interface {
	Trigger(c *gin.Context)
	Status(c *gin.Context)
}
