package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 时间字段统一存 UnixNano, 路径还原需要比较开始时间的先后, 秒级精度不够

type ProcessDefinitionPo struct {
	ID        string `gorm:"column:id;primaryKey" json:"id"`
	Key       string `gorm:"column:definition_key;index" json:"key"`
	Name      string `gorm:"column:name" json:"name"`
	Version   int64  `gorm:"column:version" json:"version"`
	Config    []byte `gorm:"column:config" json:"config"` // ProcessConfig 的 json
	Suspended bool   `gorm:"column:suspended" json:"suspended"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcessDefinitionPo) TableName() string {
	return "process_definition"
}

type ProcessInstancePo struct {
	ID                  string                `gorm:"column:id;primaryKey" json:"id"`
	ProcessDefinitionID string                `gorm:"column:process_definition_id;index" json:"process_definition_id"`
	BusinessKey         string                `gorm:"column:business_key" json:"business_key"`
	Status              ProcessInstanceStatus `gorm:"column:status" json:"status"`
	Variables           []byte                `gorm:"column:variables" json:"variables"` // 流程变量
	StartTime           int64                 `gorm:"column:start_time" json:"start_time"`
	EndTime             *int64                `gorm:"column:end_time" json:"end_time"`
	DeleteReason        string                `gorm:"column:delete_reason" json:"delete_reason"`
	UpdatedAt           int64                 `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcessInstancePo) TableName() string {
	return "process_instance"
}

// TaskPo 运行中的任务, 完成之后删除, 历史在 HistoricTaskPo
type TaskPo struct {
	ID                  string `gorm:"column:id;primaryKey"`
	ProcessInstanceID   string `gorm:"column:process_instance_id;index"`
	ProcessDefinitionID string `gorm:"column:process_definition_id"`
	TaskDefinitionKey   string `gorm:"column:task_definition_key"`
	Name                string `gorm:"column:name"`
	Assignee            string `gorm:"column:assignee"`
	CreatedAt           int64  `gorm:"column:created_at"`
}

func (TaskPo) TableName() string {
	return "process_task"
}

type HistoricActivityPo struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ProcessInstanceID string `gorm:"column:process_instance_id;index"`
	ActivityID        string `gorm:"column:activity_id"`
	ActivityType      string `gorm:"column:activity_type"`
	TaskID            string `gorm:"column:task_id"` // 只有用户任务有
	StartTime         int64  `gorm:"column:start_time"`
	EndTime           *int64 `gorm:"column:end_time"`
}

func (HistoricActivityPo) TableName() string {
	return "historic_activity"
}

type HistoricTaskPo struct {
	ID                string `gorm:"column:id;primaryKey"`
	ProcessInstanceID string `gorm:"column:process_instance_id;index"`
	TaskDefinitionKey string `gorm:"column:task_definition_key"`
	Name              string `gorm:"column:name"`
	Assignee          string `gorm:"column:assignee"`
	StartTime         int64  `gorm:"column:start_time"`
	EndTime           *int64 `gorm:"column:end_time"`
	DeleteReason      string `gorm:"column:delete_reason"`
}

func (HistoricTaskPo) TableName() string {
	return "historic_task"
}

// AllProcessPos 需要 AutoMigrate 的表
func AllProcessPos() []any {
	return []any{
		&ProcessDefinitionPo{},
		&ProcessInstancePo{},
		&TaskPo{},
		&HistoricActivityPo{},
		&HistoricTaskPo{},
	}
}

type QueryTaskParams struct {
	ProcessDefinitionKey *string `json:"process_definition_key"`
	ProcessInstanceID    *string `json:"process_instance_id"`
	Assignee             *string `json:"assignee"`
	Page                 *Pager  `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type UpdateProcessInstanceParams struct {
	Where  *UpdateProcessInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateProcessInstanceField `json:"field" validate:"required"`
}

type UpdateProcessInstanceWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateProcessInstanceField struct {
	Status       *string           `json:"status"`
	Variables    *ProcessVariables `json:"variables"`
	EndTime      *int64            `json:"end_time"`
	DeleteReason *string           `json:"delete_reason"`
}

type processRepo struct {
	db *gorm.DB

	graphs    sync.Map // processDefinitionID -> *ProcessGraph
	loadGraph sync.Mutex
}

func NewProcessRepo(db *gorm.DB) ProcessRepo {
	return &processRepo{
		db: db,
	}
}

func (r *processRepo) DeployProcessDefinition(ctx context.Context, config *ProcessConfig) (*ProcessGraph, error) {
	graph, err := BuildProcessGraph(config)
	if err != nil {
		return nil, errors.WithMessage(err, "DeployProcessDefinition failed")
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidProcessConfig, "marshal config failed, id: %s, err: %v", config.ID, err)
	}
	var count int64
	if err := r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{}).Where("id = ?", config.ID).Count(&count).Error; err != nil {
		return nil, errors.WithMessage(err, "DeployProcessDefinition count failed")
	}
	if count > 0 {
		return nil, errors.WithMessagef(ErrInvalidProcessConfig, "process definition already deployed, id: %s", config.ID)
	}
	now := time.Now().Unix()
	po := &ProcessDefinitionPo{
		ID:        config.ID,
		Key:       config.Key,
		Name:      config.Name,
		Version:   config.Version,
		Config:    data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "DeployProcessDefinition create failed")
	}
	r.graphs.Store(graph.ID, graph)
	return graph, nil
}

func (r *processRepo) LatestProcessDefinitionID(ctx context.Context, processDefinitionKey string) (string, error) {
	pos := make([]*ProcessDefinitionPo, 0)
	err := r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{}).
		Where("definition_key = ?", processDefinitionKey).
		Order("version desc").Limit(1).Find(&pos).Error
	if err != nil {
		return "", errors.WithMessage(err, "LatestProcessDefinitionID failed")
	}
	if len(pos) == 0 {
		return "", errors.WithMessagef(ErrProcessDefinitionNotFound, "key: %s", processDefinitionKey)
	}
	return pos[0].ID, nil
}

/*
*
  - @description: 加载流程定义图, 同一个流程定义在进程内只有一个图实例
    转向修改的就是这个实例, 所以这里必须缓存, 不能每次都从数据库构建新的
  - @param ctx context.Context
  - @param processDefinitionID string
  - @return *ProcessGraph, error
*/
func (r *processRepo) LoadGraph(ctx context.Context, processDefinitionID string) (*ProcessGraph, error) {
	if i, ok := r.graphs.Load(processDefinitionID); ok {
		return i.(*ProcessGraph), nil
	}
	r.loadGraph.Lock()
	defer r.loadGraph.Unlock()
	if i, ok := r.graphs.Load(processDefinitionID); ok {
		return i.(*ProcessGraph), nil
	}
	po, err := r.findProcessDefinition(ctx, processDefinitionID)
	if err != nil {
		return nil, errors.WithMessage(err, "LoadGraph failed")
	}
	config := &ProcessConfig{}
	if err := json.Unmarshal(po.Config, config); err != nil {
		return nil, errors.Wrapf(ErrInvalidProcessConfig, "unmarshal config failed, id: %s, err: %v", processDefinitionID, err)
	}
	graph, err := BuildProcessGraph(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadGraph failed, id: %s", processDefinitionID)
	}
	graph.SetSuspended(po.Suspended)
	r.graphs.Store(processDefinitionID, graph)
	return graph, nil
}

func (r *processRepo) FindNode(graph *ProcessGraph, activityID string) (*ProcessNode, error) {
	return findNode(graph, activityID)
}

func (r *processRepo) findProcessDefinition(ctx context.Context, processDefinitionID string) (*ProcessDefinitionPo, error) {
	pos := make([]*ProcessDefinitionPo, 0)
	if err := r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{}).Where("id = ?", processDefinitionID).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "findProcessDefinition failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessDefinitionNotFound, "id: %s", processDefinitionID)
	}
	return pos[0], nil
}

func (r *processRepo) SuspendOrActivateProcessDefinition(ctx context.Context, processDefinitionID string) (bool, error) {
	graph, err := r.LoadGraph(ctx, processDefinitionID)
	if err != nil {
		return false, errors.WithMessage(err, "SuspendOrActivateProcessDefinition failed")
	}
	po, err := r.findProcessDefinition(ctx, processDefinitionID)
	if err != nil {
		return false, errors.WithMessage(err, "SuspendOrActivateProcessDefinition failed")
	}
	suspended := !po.Suspended
	err = r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{}).
		Where("id = ?", processDefinitionID).
		Updates(map[string]any{"suspended": suspended, "updated_at": time.Now().Unix()}).Error
	if err != nil {
		return false, errors.WithMessage(err, "SuspendOrActivateProcessDefinition update failed")
	}
	graph.SetSuspended(suspended)
	return suspended, nil
}

func (r *processRepo) ResolveTask(ctx context.Context, taskID string) (*TaskRef, error) {
	pos := make([]*TaskPo, 0)
	if err := r.GetDBWithContext(ctx).Model(&TaskPo{}).Where("id = ?", taskID).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ResolveTask failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrTaskNotFound, "taskID: %s", taskID)
	}
	return taskPoToRef(pos[0]), nil
}

func (r *processRepo) ListActiveTasks(ctx context.Context, processInstanceID string, taskDefinitionKey string) ([]*TaskRef, error) {
	pos := make([]*TaskPo, 0)
	err := r.GetDBWithContext(ctx).Model(&TaskPo{}).
		Where("process_instance_id = ? AND task_definition_key = ?", processInstanceID, taskDefinitionKey).
		Order("created_at asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListActiveTasks failed")
	}
	ret := make([]*TaskRef, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, taskPoToRef(po))
	}
	return ret, nil
}

func buildQueryTaskParams(db *gorm.DB, subQuery *gorm.DB, param *QueryTaskParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskParams")
	}
	if param.ProcessDefinitionKey != nil {
		db = db.Where("process_definition_id IN (?)",
			subQuery.Model(&ProcessDefinitionPo{}).Select("id").Where("definition_key = ?", *param.ProcessDefinitionKey))
	}
	if param.ProcessInstanceID != nil {
		db = db.Where("process_instance_id = ?", *param.ProcessInstanceID)
	}
	if param.Assignee != nil {
		db = db.Where("assignee = ?", *param.Assignee)
	}
	db = db.Order("created_at asc")
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *processRepo) QueryTasks(ctx context.Context, param *QueryTaskParams) ([]*TaskRef, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryTaskParams")
	}
	db, err := buildQueryTaskParams(r.GetDBWithContext(ctx).Model(&TaskPo{}), r.GetDBWithContext(ctx), param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryTaskParams failed")
	}
	pos := make([]*TaskPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryTasks failed")
	}
	ret := make([]*TaskRef, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, taskPoToRef(po))
	}
	return ret, nil
}

func (r *processRepo) ListHistoricActivities(ctx context.Context, processInstanceID string) ([]*HistoricActivityRecord, error) {
	pos := make([]*HistoricActivityPo, 0)
	err := r.GetDBWithContext(ctx).Model(&HistoricActivityPo{}).
		Where("process_instance_id = ?", processInstanceID).Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListHistoricActivities failed")
	}
	ret := make([]*HistoricActivityRecord, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, &HistoricActivityRecord{
			ActivityID:   po.ActivityID,
			ActivityType: po.ActivityType,
			StartTime:    time.Unix(0, po.StartTime),
			EndTime:      unixNanoToTime(po.EndTime),
		})
	}
	return ret, nil
}

func (r *processRepo) ListHistoricTasks(ctx context.Context, processInstanceID string) ([]*HistoricTaskRecord, error) {
	pos := make([]*HistoricTaskPo, 0)
	err := r.GetDBWithContext(ctx).Model(&HistoricTaskPo{}).
		Where("process_instance_id = ?", processInstanceID).Order("start_time asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListHistoricTasks failed")
	}
	ret := make([]*HistoricTaskRecord, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, &HistoricTaskRecord{
			TaskID:            po.ID,
			ProcessInstanceID: po.ProcessInstanceID,
			TaskDefinitionKey: po.TaskDefinitionKey,
			StartTime:         time.Unix(0, po.StartTime),
			EndTime:           unixNanoToTime(po.EndTime),
			DeleteReason:      po.DeleteReason,
		})
	}
	return ret, nil
}

func (r *processRepo) FindHistoricProcessInstance(ctx context.Context, processInstanceID string) (*HistoricProcessInstance, error) {
	po, err := r.FindProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, errors.WithMessage(err, "FindHistoricProcessInstance failed")
	}
	return processInstancePoToHistoric(po), nil
}

func (r *processRepo) ListHistoricProcessInstances(ctx context.Context, processDefinitionKey string) ([]*HistoricProcessInstance, error) {
	if processDefinitionKey == "" {
		return nil, errors.Wrapf(ErrParamInvalid, "ListHistoricProcessInstances failed, processDefinitionKey is empty")
	}
	pos := make([]*ProcessInstancePo, 0)
	err := r.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).
		Where("process_definition_id IN (?)",
			r.GetDBWithContext(ctx).Model(&ProcessDefinitionPo{}).Select("id").Where("definition_key = ?", processDefinitionKey)).
		Order("start_time asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListHistoricProcessInstances failed")
	}
	ret := make([]*HistoricProcessInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, processInstancePoToHistoric(po))
	}
	return ret, nil
}

/*
*
  - @description: 删除运行中的流程实例
    运行中的任务直接删除, 历史任务和历史活动保留, 结束时间记为删除时间, 原因写到 delete_reason
  - @param ctx context.Context
  - @param processInstanceID string
  - @param deleteReason string
  - @return error 实例已经结束返回 ErrProcessInstanceEnded
*/
func (r *processRepo) DeleteProcessInstance(ctx context.Context, processInstanceID string, deleteReason string) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		po, err := r.FindProcessInstance(ctx, processInstanceID)
		if err != nil {
			return errors.WithMessage(err, "DeleteProcessInstance failed")
		}
		if po.Status != ProcessInstanceStatusRunning {
			return errors.WithMessagef(ErrProcessInstanceEnded, "DeleteProcessInstance failed, processInstanceID: %s, status: %s", processInstanceID, po.Status)
		}
		now := time.Now().UnixNano()
		if err := r.GetDBWithContext(ctx).Where("process_instance_id = ?", processInstanceID).Delete(&TaskPo{}).Error; err != nil {
			return errors.WithMessagef(err, "delete tasks failed, processInstanceID: %s", processInstanceID)
		}
		err = r.GetDBWithContext(ctx).Model(&HistoricTaskPo{}).
			Where("process_instance_id = ? AND end_time IS NULL", processInstanceID).
			Updates(map[string]any{"end_time": now, "delete_reason": deleteReason}).Error
		if err != nil {
			return errors.WithMessagef(err, "finish historic tasks failed, processInstanceID: %s", processInstanceID)
		}
		err = r.GetDBWithContext(ctx).Model(&HistoricActivityPo{}).
			Where("process_instance_id = ? AND end_time IS NULL", processInstanceID).
			Update("end_time", now).Error
		if err != nil {
			return errors.WithMessagef(err, "finish historic activities failed, processInstanceID: %s", processInstanceID)
		}
		status := ProcessInstanceStatusDeleted
		return r.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{
			Where: &UpdateProcessInstanceWhere{
				IDIn:     []string{processInstanceID},
				StatusIn: []string{ProcessInstanceStatusRunning},
			},
			Fields: &UpdateProcessInstanceField{
				Status:       &status,
				EndTime:      &now,
				DeleteReason: &deleteReason,
			},
		})
	})
}

func (r *processRepo) DeleteHistoricTask(ctx context.Context, taskID string) error {
	if err := r.GetDBWithContext(ctx).Where("id = ?", taskID).Delete(&HistoricTaskPo{}).Error; err != nil {
		return errors.WithMessagef(err, "DeleteHistoricTask failed, taskID: %s", taskID)
	}
	return nil
}

func (r *processRepo) CreateProcessInstance(ctx context.Context, po *ProcessInstancePo) (*ProcessInstancePo, error) {
	if po == nil {
		return nil, errors.New("nil ProcessInstancePo")
	}
	po.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateProcessInstance failed")
	}
	return po, nil
}

func (r *processRepo) FindProcessInstance(ctx context.Context, processInstanceID string) (*ProcessInstancePo, error) {
	pos := make([]*ProcessInstancePo, 0)
	if err := r.GetDBWithContext(ctx).Model(&ProcessInstancePo{}).Where("id = ?", processInstanceID).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "FindProcessInstance failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrProcessInstanceNotFound, "processInstanceID: %s", processInstanceID)
	}
	return pos[0], nil
}

func buildUpdateProcessInstanceParams(db *gorm.DB, param *UpdateProcessInstanceParams) (*gorm.DB, error) {
	if err := validatorUtil.Struct(param); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "UpdateProcessInstanceParams invalid, err: %v", err)
	}
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return nil, errors.New("update process instance need where condition")
	}
	return db, nil
}

func buildUpdateProcessInstanceFields(fields *UpdateProcessInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Variables != nil {
		jsonData, err := fields.Variables.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Variables failed")
		}
		updateFields["variables"] = jsonData
	}
	if fields.EndTime != nil {
		updateFields["end_time"] = *fields.EndTime
	}
	if fields.DeleteReason != nil {
		updateFields["delete_reason"] = *fields.DeleteReason
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *processRepo) UpdateProcessInstance(ctx context.Context, param *UpdateProcessInstanceParams) error {
	db, err := buildUpdateProcessInstanceParams(r.GetDBWithContext(ctx).Model(&ProcessInstancePo{}), param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateProcessInstanceParams failed")
	}
	updateFields, err := buildUpdateProcessInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateProcessInstanceFields failed")
	}
	if err := db.Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateProcessInstance failed")
	}
	return nil
}

func (r *processRepo) CreateTask(ctx context.Context, po *TaskPo) (*TaskPo, error) {
	if po == nil {
		return nil, errors.New("nil TaskPo")
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateTask failed")
	}
	return po, nil
}

func (r *processRepo) DeleteTask(ctx context.Context, taskID string) error {
	if err := r.GetDBWithContext(ctx).Where("id = ?", taskID).Delete(&TaskPo{}).Error; err != nil {
		return errors.WithMessagef(err, "DeleteTask failed, taskID: %s", taskID)
	}
	return nil
}

func (r *processRepo) CountActiveTasks(ctx context.Context, processInstanceID string) (int64, error) {
	var count int64
	if err := r.GetDBWithContext(ctx).Model(&TaskPo{}).Where("process_instance_id = ?", processInstanceID).Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountActiveTasks failed")
	}
	return count, nil
}

func (r *processRepo) CreateHistoricActivity(ctx context.Context, po *HistoricActivityPo) (*HistoricActivityPo, error) {
	if po == nil {
		return nil, errors.New("nil HistoricActivityPo")
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateHistoricActivity failed")
	}
	return po, nil
}

func (r *processRepo) FinishHistoricTaskActivity(ctx context.Context, taskID string, endTime int64) error {
	err := r.GetDBWithContext(ctx).Model(&HistoricActivityPo{}).
		Where("task_id = ? AND end_time IS NULL", taskID).
		Update("end_time", endTime).Error
	if err != nil {
		return errors.WithMessagef(err, "FinishHistoricTaskActivity failed, taskID: %s", taskID)
	}
	return nil
}

func (r *processRepo) CreateHistoricTask(ctx context.Context, po *HistoricTaskPo) (*HistoricTaskPo, error) {
	if po == nil {
		return nil, errors.New("nil HistoricTaskPo")
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateHistoricTask failed")
	}
	return po, nil
}

func (r *processRepo) FinishHistoricTask(ctx context.Context, taskID string, endTime int64, deleteReason string) error {
	err := r.GetDBWithContext(ctx).Model(&HistoricTaskPo{}).
		Where("id = ?", taskID).
		Updates(map[string]any{"end_time": endTime, "delete_reason": deleteReason}).Error
	if err != nil {
		return errors.WithMessagef(err, "FinishHistoricTask failed, taskID: %s", taskID)
	}
	return nil
}

func taskPoToRef(po *TaskPo) *TaskRef {
	return &TaskRef{
		TaskID:              po.ID,
		ProcessInstanceID:   po.ProcessInstanceID,
		ProcessDefinitionID: po.ProcessDefinitionID,
		CurrentNodeID:       po.TaskDefinitionKey,
		Name:                po.Name,
		Assignee:            po.Assignee,
		CreatedAt:           time.Unix(0, po.CreatedAt),
	}
}

func processInstancePoToHistoric(po *ProcessInstancePo) *HistoricProcessInstance {
	return &HistoricProcessInstance{
		ID:                  po.ID,
		ProcessDefinitionID: po.ProcessDefinitionID,
		BusinessKey:         po.BusinessKey,
		Status:              po.Status,
		DeleteReason:        po.DeleteReason,
		StartTime:           time.Unix(0, po.StartTime),
		EndTime:             unixNanoToTime(po.EndTime),
	}
}

func unixNanoToTime(ts *int64) *time.Time {
	if ts == nil {
		return nil
	}
	t := time.Unix(0, *ts)
	return &t
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *processRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *processRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			err = errors.WithMessage(commitErr, "commit transaction failed")
		}
	}()
	return fn(context.WithValue(ctx, transactionContextKey, tx))
}
