package agents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sitechat_back/authorization"
	"sitechat_back/knowledge"
	filestore "sitechat_back/storage"
)

// Module 聚合了智能体及其网站知识库摄取相关的依赖。
type Module struct {
	db        *gorm.DB
	knowledge *knowledge.Service
	documents *filestore.DocumentStorage
	upgrader  websocket.Upgrader
}

const (
	claimUserIDKey = "user_id"
	claimRolesKey  = "roles"
)

const (
	maxListLimit      = 100
	maxUploadBytes    = 20 << 20
	eventPingInterval = 30 * time.Second
	eventWriteTimeout = 10 * time.Second
)

// RegisterRoutes 初始化智能体模块并注册所有相关路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Agent{}); err != nil {
		return nil, err
	}

	knowledgeService, err := knowledge.NewServiceFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := knowledgeService.AutoMigrate(); err != nil {
		return nil, err
	}

	documentStore, err := filestore.NewDocumentStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if documentStore == nil {
		log.Printf("agents: object storage not configured, uploaded files keep extracted text only")
	}

	module := &Module{
		db:        db,
		knowledge: knowledgeService,
		documents: documentStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	group := router.Group("/agents")
	group.GET("", module.handleListAgents)
	group.GET("/:id", module.handleGetAgent)

	authGroup := group.Group("")
	if guard != nil {
		authGroup.Use(guard.RequireAuthenticated())
	} else {
		authGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	authGroup.POST("", module.handleCreateAgent)
	authGroup.GET("/mine", module.handleListMyAgents)
	authGroup.DELETE("/:id", module.handleDeleteAgent)

	authGroup.POST("/:id/knowledge/sources", module.handleStartIngestion)
	authGroup.GET("/:id/knowledge/sources", module.handleListSources)
	authGroup.GET("/:id/knowledge/sources/:sourceID", module.handleGetSource)
	authGroup.GET("/:id/knowledge/sources/:sourceID/pages", module.handleListSourcePages)
	authGroup.GET("/:id/knowledge/sources/:sourceID/events", module.handleSourceEvents)
	authGroup.POST("/:id/knowledge/sources/:sourceID/retry", module.handleRetrySource)
	authGroup.DELETE("/:id/knowledge/sources/:sourceID", module.handleDeleteSource)

	authGroup.POST("/:id/knowledge/uploads", module.handleCreateUpload)
	authGroup.GET("/:id/knowledge/uploads", module.handleListUploads)
	authGroup.GET("/:id/knowledge/uploads/:uploadID/download", module.handleDownloadUpload)
	authGroup.DELETE("/:id/knowledge/uploads/:uploadID", module.handleDeleteUpload)

	authGroup.POST("/:id/knowledge/entries", module.handleCreateEntry)
	authGroup.GET("/:id/knowledge/entries", module.handleListEntries)
	authGroup.PUT("/:id/knowledge/entries/:entryID", module.handleUpdateEntry)
	authGroup.DELETE("/:id/knowledge/entries/:entryID", module.handleDeleteEntry)

	authGroup.GET("/:id/knowledge/chunks", module.handleListChunks)

	return module, nil
}

// KnowledgeService 返回内部持有的知识库服务实例。
func (m *Module) KnowledgeService() *knowledge.Service {
	if m == nil {
		return nil
	}
	return m.knowledge
}

type createAgentRequest struct {
	Name        string   `json:"name" binding:"required"`
	WebsiteURL  *string  `json:"website_url"`
	Description *string  `json:"description"`
	Greeting    *string  `json:"greeting"`
	Tags        []string `json:"tags"`
}

type entryRequest struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
}

// handleListAgents godoc
// @Summary 列出可用的智能体
// @Tags Agents
// @Produce json
// @Param limit query int false "返回数量上限"
// @Success 200 {object} map[string]any
// handleListAgents 返回处于激活状态的智能体列表。
func (m *Module) handleListAgents(c *gin.Context) {
	if m == nil || m.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var agents []Agent
	if err := m.db.WithContext(c.Request.Context()).
		Where("status = ?", "active").
		Order("updated_at DESC").
		Limit(limit).
		Find(&agents).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// handleGetAgent godoc
// @Summary 获取智能体详情
// @Tags Agents
// @Produce json
// @Param id path int true "智能体 ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// handleGetAgent 获取单个智能体的公开信息。
func (m *Module) handleGetAgent(c *gin.Context) {
	if m == nil || m.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	agentID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}

	var agent Agent
	if err := m.db.WithContext(c.Request.Context()).Take(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// handleCreateAgent godoc
// @Summary 创建智能体
// @Tags Agents
// @Accept json
// @Produce json
// @Param request body createAgentRequest true "智能体信息"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// handleCreateAgent 新建一个网站对话智能体。
func (m *Module) handleCreateAgent(c *gin.Context) {
	if m == nil || m.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	agent := Agent{
		Name:        name,
		WebsiteURL:  trimOptional(req.WebsiteURL),
		Description: trimOptional(req.Description),
		Greeting:    trimOptional(req.Greeting),
		Status:      "active",
		Tags:        tagsToJSON(req.Tags),
		CreatedBy:   userID,
	}
	if err := m.db.WithContext(c.Request.Context()).Create(&agent).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

// handleListMyAgents godoc
// @Summary 列出当前用户的智能体
// @Tags Agents
// @Produce json
// @Success 200 {object} map[string]any
// handleListMyAgents 返回当前用户创建的全部智能体。
func (m *Module) handleListMyAgents(c *gin.Context) {
	if m == nil || m.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	userID, _ := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var agents []Agent
	if err := m.db.WithContext(c.Request.Context()).
		Where("created_by = ?", userID).
		Order("updated_at DESC").
		Find(&agents).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// handleDeleteAgent godoc
// @Summary 删除智能体
// @Tags Agents
// @Produce json
// @Param id path int true "智能体 ID"
// @Success 204
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleDeleteAgent 删除智能体并级联清理其知识库数据。
func (m *Module) handleDeleteAgent(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := m.knowledge.PurgeAgent(ctx, agent.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to purge knowledge data"})
		return
	}
	if err := m.db.WithContext(ctx).Delete(&Agent{}, agent.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}

	c.Status(http.StatusNoContent)
}

// handleStartIngestion godoc
// @Summary 发起网站内容摄取
// @Tags Knowledge
// @Accept json
// @Produce json
// @Param id path int true "智能体 ID"
// @Param request body knowledge.IngestionInput true "摄取参数"
// @Success 202 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// handleStartIngestion 创建知识来源并在后台启动抓取。
func (m *Module) handleStartIngestion(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	userID, _ := currentUserContext(c)

	var input knowledge.IngestionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	source, err := m.knowledge.StartIngestion(c.Request.Context(), agent.ID, userID, input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"source": source})
}

// handleListSources godoc
// @Summary 列出知识来源
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Success 200 {object} map[string]any
// handleListSources 返回智能体的全部知识来源。
func (m *Module) handleListSources(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sources, err := m.knowledge.ListSources(c.Request.Context(), agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sources"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// handleGetSource godoc
// @Summary 获取知识来源详情
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param sourceID path int true "来源 ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// handleGetSource 获取单个知识来源的当前状态。
func (m *Module) handleGetSource(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sourceID, err := parseUintID(c.Param("sourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	source, err := m.knowledge.GetSource(c.Request.Context(), agent.ID, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load source"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"source": source})
}

// handleListSourcePages godoc
// @Summary 列出来源下发现的页面
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param sourceID path int true "来源 ID"
// @Success 200 {object} map[string]any
// handleListSourcePages 返回多页抓取过程中发现的页面明细。
func (m *Module) handleListSourcePages(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sourceID, err := parseUintID(c.Param("sourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	pages, err := m.knowledge.ListPages(c.Request.Context(), agent.ID, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pages"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

// handleRetrySource godoc
// @Summary 重试失败的知识来源
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param sourceID path int true "来源 ID"
// @Success 202 {object} map[string]any
// @Failure 404 {object} map[string]string
// handleRetrySource 重置来源状态机并重新启动抓取。
func (m *Module) handleRetrySource(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sourceID, err := parseUintID(c.Param("sourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	source, err := m.knowledge.RetrySource(c.Request.Context(), agent.ID, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry source"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"source": source})
}

// handleDeleteSource godoc
// @Summary 删除知识来源
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param sourceID path int true "来源 ID"
// @Success 204
// @Failure 404 {object} map[string]string
// handleDeleteSource 删除来源及其页面与全部切片。
func (m *Module) handleDeleteSource(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sourceID, err := parseUintID(c.Param("sourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	if err := m.knowledge.DeleteSource(c.Request.Context(), agent.ID, sourceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete source"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// handleSourceEvents godoc
// @Summary 订阅来源进度事件
// @Tags Knowledge
// @Param id path int true "智能体 ID"
// @Param sourceID path int true "来源 ID"
// @Param token query string false "JWT 令牌"
// handleSourceEvents 升级为 WebSocket 并推送整行快照事件。
func (m *Module) handleSourceEvents(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	sourceID, err := parseUintID(c.Param("sourceID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	source, err := m.knowledge.GetSource(c.Request.Context(), agent.ID, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load source"})
		}
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("agents: upgrade progress subscription failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, unsubscribe := m.knowledge.Broker().Subscribe(ctx, sourceID)
	defer unsubscribe()

	// 先补发当前全量快照，订阅方以绝对计数对齐状态，而不是依赖增量。
	if err := writeEvent(conn, knowledge.ProgressEvent{
		SourceID: sourceID,
		Kind:     knowledge.EventSourceChanged,
		Source:   source,
		At:       time.Now().UTC(),
	}); err != nil {
		return
	}
	if pages, err := m.knowledge.ListPages(ctx, agent.ID, sourceID); err == nil {
		for i := range pages {
			if err := writeEvent(conn, knowledge.ProgressEvent{
				SourceID: sourceID,
				Kind:     knowledge.EventPageChanged,
				Page:     &pages[i],
				At:       time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(eventWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event knowledge.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(event)
}

// handleCreateUpload godoc
// @Summary 上传知识文件
// @Tags Knowledge
// @Accept multipart/form-data
// @Produce json
// @Param id path int true "智能体 ID"
// @Param file formData file true "文档文件"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 422 {object} map[string]any
// handleCreateUpload 存储上传文件并抽取文本切片。
func (m *Module) handleCreateUpload(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	userID, _ := currentUserContext(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds upload size limit"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	if len(data) > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds upload size limit"})
		return
	}

	ctx := c.Request.Context()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))

	objectKey := ""
	if m.documents != nil {
		objectKey, err = m.documents.Store(ctx, agent.ID, fileHeader.Filename, contentType, data)
		if err != nil {
			log.Printf("agents: store uploaded document failed: %v", err)
			objectKey = ""
		}
	}

	upload, err := m.knowledge.IngestUpload(ctx, agent.ID, userID, fileHeader.Filename, contentType, objectKey, data)
	if err != nil {
		if upload != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "upload": upload})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"upload": upload})
}

// handleListUploads godoc
// @Summary 列出上传的知识文件
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Success 200 {object} map[string]any
// handleListUploads 返回智能体的上传文件记录。
func (m *Module) handleListUploads(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	uploads, err := m.knowledge.ListUploads(c.Request.Context(), agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load uploads"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

// handleDownloadUpload godoc
// @Summary 获取上传文件的下载链接
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param uploadID path int true "上传记录 ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleDownloadUpload 为对象存储中的原始文件签发临时下载链接。
func (m *Module) handleDownloadUpload(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	if m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage not configured"})
		return
	}

	uploadID, err := parseUintID(c.Param("uploadID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload id"})
		return
	}

	upload, err := m.knowledge.GetUpload(c.Request.Context(), agent.ID, uploadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load upload"})
		}
		return
	}
	if upload.ObjectKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "original file was not stored"})
		return
	}

	downloadURL, err := m.documents.PresignedURL(c.Request.Context(), upload.ObjectKey, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign download url"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": downloadURL, "file_name": upload.FileName})
}

// handleDeleteUpload godoc
// @Summary 删除上传的知识文件
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param uploadID path int true "上传记录 ID"
// @Success 204
// @Failure 404 {object} map[string]string
// handleDeleteUpload 删除上传记录、对应切片以及对象存储中的文件。
func (m *Module) handleDeleteUpload(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	uploadID, err := parseUintID(c.Param("uploadID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload id"})
		return
	}

	ctx := c.Request.Context()
	upload, err := m.knowledge.DeleteUpload(ctx, agent.ID, uploadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete upload"})
		}
		return
	}

	if m.documents != nil && upload.ObjectKey != "" {
		if err := m.documents.Remove(ctx, upload.ObjectKey); err != nil {
			log.Printf("agents: remove stored document %s failed: %v", upload.ObjectKey, err)
		}
	}

	c.Status(http.StatusNoContent)
}

// handleCreateEntry godoc
// @Summary 新建问答条目
// @Tags Knowledge
// @Accept json
// @Produce json
// @Param id path int true "智能体 ID"
// @Param request body entryRequest true "问答内容"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// handleCreateEntry 保存人工维护的问答对并生成切片。
func (m *Module) handleCreateEntry(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	userID, _ := currentUserContext(c)

	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question and answer are required"})
		return
	}

	entry, err := m.knowledge.CreateEntry(c.Request.Context(), agent.ID, userID, req.Question, req.Answer)
	if err != nil {
		if entry != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "entry": entry})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// handleListEntries godoc
// @Summary 列出问答条目
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Success 200 {object} map[string]any
// handleListEntries 返回智能体全部人工问答条目。
func (m *Module) handleListEntries(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	entries, err := m.knowledge.ListEntries(c.Request.Context(), agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleUpdateEntry godoc
// @Summary 更新问答条目
// @Tags Knowledge
// @Accept json
// @Produce json
// @Param id path int true "智能体 ID"
// @Param entryID path int true "条目 ID"
// @Param request body entryRequest true "问答内容"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// handleUpdateEntry 更新问答内容并重建对应切片。
func (m *Module) handleUpdateEntry(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	entryID, err := parseUintID(c.Param("entryID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	userID, _ := currentUserContext(c)

	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question and answer are required"})
		return
	}

	entry, err := m.knowledge.UpdateEntry(c.Request.Context(), agent.ID, entryID, userID, req.Question, req.Answer)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		} else if entry != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "entry": entry})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// handleDeleteEntry godoc
// @Summary 删除问答条目
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param entryID path int true "条目 ID"
// @Success 204
// @Failure 404 {object} map[string]string
// handleDeleteEntry 删除问答条目及其切片。
func (m *Module) handleDeleteEntry(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	entryID, err := parseUintID(c.Param("entryID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	if err := m.knowledge.DeleteEntry(c.Request.Context(), agent.ID, entryID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete entry"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// handleListChunks godoc
// @Summary 查询知识切片
// @Tags Knowledge
// @Produce json
// @Param id path int true "智能体 ID"
// @Param origin_type query string false "来源类型"
// @Param origin_id query int false "来源 ID"
// @Success 200 {object} map[string]any
// handleListChunks 以只读方式暴露切片，供应答侧检索消费。
func (m *Module) handleListChunks(c *gin.Context) {
	agent, ok := m.requireOwnedAgent(c)
	if !ok {
		return
	}

	originType := strings.TrimSpace(c.Query("origin_type"))
	var originID uint64
	if raw := strings.TrimSpace(c.Query("origin_id")); raw != "" {
		parsed, err := parseUintID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid origin id"})
			return
		}
		originID = parsed
	}

	chunks, err := m.knowledge.ListChunks(c.Request.Context(), agent.ID, originID, originType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chunks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// requireOwnedAgent 校验当前用户对路径中的智能体具备管理权限。
func (m *Module) requireOwnedAgent(c *gin.Context) (*Agent, bool) {
	if m == nil || m.db == nil || m.knowledge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not available"})
		return nil, false
	}

	agentID, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return nil, false
	}

	userID, roles := currentUserContext(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	var agent Agent
	if err := m.db.WithContext(c.Request.Context()).Take(&agent, agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify access"})
		}
		return nil, false
	}

	if !hasRole(roles, "admin") && agent.CreatedBy != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return nil, false
	}

	return &agent, true
}

func parseUintID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("invalid id")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// currentUserContext 从请求上下文提取用户 ID 和角色信息。
func currentUserContext(c *gin.Context) (uint64, []string) {
	if c == nil {
		return 0, nil
	}

	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, nil
	}

	return parseUserIDClaim(claims[claimUserIDKey]), authorization.ExtractRoles(claims)
}

// parseUserIDClaim 从 JWT 声明中解析用户 ID。
func parseUserIDClaim(raw interface{}) uint64 {
	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil || parsed <= 0 {
			return 0
		}
		return uint64(parsed)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func hasRole(roles []string, expected string) bool {
	for _, role := range roles {
		if strings.EqualFold(strings.TrimSpace(role), expected) {
			return true
		}
	}
	return false
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func tagsToJSON(tags []string) datatypes.JSON {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}
